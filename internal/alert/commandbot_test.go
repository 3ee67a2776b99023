package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) StatusText() string      { return m.Called().String(0) }
func (m *mockController) HealthText() string      { return m.Called().String(0) }
func (m *mockController) PerformanceText() string { return m.Called().String(0) }

func (m *mockController) PositionText(_ context.Context) string {
	return m.Called().String(0)
}

func (m *mockController) CloseAll(_ context.Context) error {
	return m.Called().Error(0)
}

func (m *mockController) RunBackup() error {
	return m.Called().Error(0)
}

func (m *mockController) Stop(reason string)    { m.Called(reason) }
func (m *mockController) Restart(reason string) { m.Called(reason) }

func newTestBot(ctrl Controller) *CommandBot {
	return &CommandBot{
		admins: map[string]bool{"admin-1": true},
		ctrl:   ctrl,
		logger: zap.NewNop(),
	}
}

func TestHandleIgnoresPlainMessages(t *testing.T) {
	bot := newTestBot(new(mockController))
	_, handled := bot.handle("someone", "good morning")
	assert.False(t, handled)
}

func TestHandleOpenCommands(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("StatusText").Return("running")
	ctrl.On("PerformanceText").Return("win rate 60.0%")
	bot := newTestBot(ctrl)

	reply, handled := bot.handle("anyone", "!status")
	assert.True(t, handled)
	assert.Equal(t, "running", reply)

	reply, handled = bot.handle("anyone", " !Performance ")
	assert.True(t, handled)
	assert.Equal(t, "win rate 60.0%", reply)

	ctrl.AssertExpectations(t)
}

func TestHandleRefusesNonAdmin(t *testing.T) {
	ctrl := new(mockController)
	bot := newTestBot(ctrl)

	for _, cmd := range []string{"!kill", "!backup", "!stop", "!restart"} {
		reply, handled := bot.handle("stranger", cmd)
		assert.True(t, handled)
		assert.Contains(t, reply, "not allowed")
	}
	ctrl.AssertNotCalled(t, "CloseAll")
	ctrl.AssertNotCalled(t, "RunBackup")
	ctrl.AssertNotCalled(t, "Stop", mock.Anything)
	ctrl.AssertNotCalled(t, "Restart", mock.Anything)
}

func TestHandleAdminCommands(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("CloseAll").Return(nil).Once()
	ctrl.On("Stop", "operator command").Once()
	ctrl.On("Restart", "operator command").Once()
	bot := newTestBot(ctrl)

	reply, _ := bot.handle("admin-1", "!kill")
	assert.Equal(t, "all positions closed", reply)

	reply, _ = bot.handle("admin-1", "!stop")
	assert.Equal(t, "stopping", reply)

	reply, _ = bot.handle("admin-1", "!restart")
	assert.Equal(t, "restarting", reply)

	ctrl.AssertExpectations(t)
}

func TestHandleBackup(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("RunBackup").Return(nil).Once()
	bot := newTestBot(ctrl)

	reply, _ := bot.handle("admin-1", "!backup")
	assert.Equal(t, "backup complete", reply)

	ctrl.ExpectedCalls = nil
	ctrl.On("RunBackup").Return(errors.New("disk full")).Once()
	reply, _ = bot.handle("admin-1", "!backup")
	assert.Contains(t, reply, "disk full")
	ctrl.AssertExpectations(t)
}

func TestHandleCloseAllFailure(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("CloseAll").Return(errors.New("exchange down")).Once()
	bot := newTestBot(ctrl)

	reply, _ := bot.handle("admin-1", "!kill")
	assert.Contains(t, reply, "exchange down")
	ctrl.AssertExpectations(t)
}

func TestHandleUnknownCommand(t *testing.T) {
	bot := newTestBot(new(mockController))
	reply, handled := bot.handle("anyone", "!dance")
	assert.True(t, handled)
	assert.Contains(t, reply, "!help")
}
