// Package notify posts a Discord message whenever a query run that was
// allowed to commit changes finishes.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
)

const (
	colorSuccess = 0x00CC66
	colorFailure = 0xCC3333
	colorTimeout = 0xFF9900

	maxStatementLen = 1000
	queueSize       = 32
)

// DiscordSession is the part of discordgo.Session the notifier uses.
type DiscordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier is a sqlrunner.Observer. Messages are delivered by Run so
// a slow Discord API never holds up a query run.
type DiscordNotifier struct {
	session   DiscordSession
	channelID string
	logger    *zap.Logger
	queue     chan *discordgo.MessageEmbed
}

// NewDiscordNotifier creates a notifier backed by a bot token.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return NewDiscordNotifierWithSession(dg, channelID, logger), nil
}

// NewDiscordNotifierWithSession creates a notifier with an injected session.
func NewDiscordNotifierWithSession(session DiscordSession, channelID string, logger *zap.Logger) *DiscordNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
		queue:     make(chan *discordgo.MessageEmbed, queueSize),
	}
}

// ObserveTransition queues a message for committing runs that reached the
// remote database. Runs that failed to log in changed nothing and are
// skipped.
func (n *DiscordNotifier) ObserveTransition(t sqlrunner.Transition) {
	if t.To != sqlrunner.StateCleanedUp || !t.Run.Commit || !t.Run.Authenticated() {
		return
	}
	select {
	case n.queue <- runEmbed(t):
	default:
		n.logger.Warn("discord notification dropped, queue full", zap.String("run_id", t.RunID))
	}
}

// Run delivers queued messages until ctx is done.
func (n *DiscordNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case embed := <-n.queue:
			if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
				n.logger.Warn("failed to send discord notification",
					zap.String("channel_id", n.channelID),
					zap.Error(err),
				)
			}
		}
	}
}

func runEmbed(t sqlrunner.Transition) *discordgo.MessageEmbed {
	run := t.Run
	color := colorSuccess
	title := "Committed query succeeded"
	switch run.Outcome {
	case sqlrunner.StateFailed:
		color = colorFailure
		title = "Committed query failed"
	case sqlrunner.StateTimedOut:
		color = colorTimeout
		title = "Committed query timed out"
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Database", Value: run.Database, Inline: true},
		{Name: "Server", Value: run.URL, Inline: true},
		{Name: "Run ID", Value: run.ID, Inline: false},
		{Name: "Duration", Value: t.At.Sub(run.StartedAt).Round(time.Millisecond).String(), Inline: true},
	}
	if run.Result != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Affected rows",
			Value:  fmt.Sprintf("%d", run.Result.AffectedRows),
			Inline: true,
		})
	}
	if t.Err != nil {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Error", Value: truncate(t.Err.Error(), 1000)})
	}
	if run.CleanupFailures > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Cleanup",
			Value: fmt.Sprintf("%d step(s) failed, job %d may need manual removal", run.CleanupFailures, run.JobID),
		})
	}

	return &discordgo.MessageEmbed{
		Title:       title,
		Description: "```sql\n" + truncate(run.Statement, maxStatementLen) + "\n```",
		Color:       color,
		Fields:      fields,
		Timestamp:   t.At.UTC().Format(time.RFC3339),
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
