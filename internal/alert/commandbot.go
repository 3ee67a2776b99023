package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Controller is what the command bot can do to the running bot. The
// supervisor implements it.
type Controller interface {
	StatusText() string
	HealthText() string
	PerformanceText() string
	PositionText(ctx context.Context) string
	CloseAll(ctx context.Context) error
	RunBackup() error
	Stop(reason string)
	Restart(reason string)
}

// commandSession is the slice of discordgo.Session the bot uses.
type commandSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// CommandBot listens for operator commands on Discord. Destructive
// commands are gated on the configured admin IDs.
type CommandBot struct {
	session commandSession
	admins  map[string]bool
	ctrl    Controller
	logger  *zap.Logger
}

// NewCommandBot creates the bot but does not connect; call Start.
func NewCommandBot(token string, adminIDs []string, ctrl Controller, logger *zap.Logger) (*CommandBot, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token must be configured")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	bot := &CommandBot{
		session: session,
		admins:  make(map[string]bool, len(adminIDs)),
		ctrl:    ctrl,
		logger:  logger,
	}
	for _, id := range adminIDs {
		if id = strings.TrimSpace(id); id != "" {
			bot.admins[id] = true
		}
	}
	return bot, nil
}

// Start opens the gateway connection and registers the message handler.
func (b *CommandBot) Start() error {
	b.session.AddHandler(b.onMessage)
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	b.logger.Info("command bot connected", zap.Int("admins", len(b.admins)))
	return nil
}

// Close shuts down the gateway connection.
func (b *CommandBot) Close() error {
	return b.session.Close()
}

func (b *CommandBot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	reply, handled := b.handle(m.Author.ID, m.Content)
	if !handled {
		return
	}
	if _, err := b.session.ChannelMessageSend(m.ChannelID, reply); err != nil {
		b.logger.Error("failed to send command reply", zap.Error(err))
	}
}

// handle maps one message to its reply. The second return is false for
// messages that are not commands at all.
func (b *CommandBot) handle(authorID, content string) (string, bool) {
	cmd := strings.ToLower(strings.TrimSpace(content))
	if !strings.HasPrefix(cmd, "!") {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "!status":
		return b.ctrl.StatusText(), true
	case "!health":
		return b.ctrl.HealthText(), true
	case "!performance":
		return b.ctrl.PerformanceText(), true
	case "!position":
		return b.ctrl.PositionText(ctx), true
	case "!kill":
		if !b.admins[authorID] {
			return b.refuse(authorID, cmd), true
		}
		if err := b.ctrl.CloseAll(ctx); err != nil {
			return fmt.Sprintf("close all failed: %v", err), true
		}
		return "all positions closed", true
	case "!backup":
		if !b.admins[authorID] {
			return b.refuse(authorID, cmd), true
		}
		if err := b.ctrl.RunBackup(); err != nil {
			return fmt.Sprintf("backup failed: %v", err), true
		}
		return "backup complete", true
	case "!stop":
		if !b.admins[authorID] {
			return b.refuse(authorID, cmd), true
		}
		b.ctrl.Stop("operator command")
		return "stopping", true
	case "!restart":
		if !b.admins[authorID] {
			return b.refuse(authorID, cmd), true
		}
		b.ctrl.Restart("operator command")
		return "restarting", true
	case "!help":
		return helpText, true
	default:
		return "unknown command, try !help", true
	}
}

func (b *CommandBot) refuse(authorID, cmd string) string {
	b.logger.Warn("refused admin command",
		zap.String("author", authorID),
		zap.String("command", cmd))
	return "you are not allowed to run " + cmd
}

const helpText = `commands:
!status      current bot state
!health      last health check result
!performance trade statistics
!position    open positions
!kill        close all positions (admin)
!backup      snapshot config and results (admin)
!stop        stop the bot (admin)
!restart     restart the bot (admin)`
