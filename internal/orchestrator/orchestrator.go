package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/speech"
	"jarvis/internal/store"
)

// User-facing strings for the three turn outcomes that are not plain success.
const (
	rateLimitText    = "API rate limit reached. Please try again later."
	genericErrorText = "An error occurred. Please try again."
	stoppedNotice    = "Generation stopped"
)

// maxTitleLen caps the conversation title taken from the first prompt.
const maxTitleLen = 30

// ErrBusy is returned when a send arrives while a turn is still streaming.
var ErrBusy = errors.New("a response is already streaming")

// session is the state of one in-flight turn.
type session struct {
	cancel    context.CancelFunc
	convID    string
	messageID string
	done      chan struct{}
}

// Orchestrator drives turns: it appends the user message, streams the
// assistant reply into the store, and in immersive mode routes sentences to
// the speech queue instead of the live transcript. At most one turn is in
// flight at a time.
type Orchestrator struct {
	store        *store.Store
	provider     domain.ChatProvider
	speaker      *speech.Speaker
	bus          *bus.Bus
	logger       *slog.Logger
	systemPrompt string

	mu        sync.Mutex
	sess      *session
	immersive bool
}

type Config struct {
	Store        *store.Store
	Provider     domain.ChatProvider
	Speaker      *speech.Speaker
	Bus          *bus.Bus
	Logger       *slog.Logger
	SystemPrompt string
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:        cfg.Store,
		provider:     cfg.Provider,
		speaker:      cfg.Speaker,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Send starts a turn on the active conversation: the user message is
// appended (setting the title on the first one), a placeholder assistant
// message is created, and the reply streams into it in the background.
// Returns ErrBusy while a previous turn is still streaming.
func (o *Orchestrator) Send(ctx context.Context, text string, image *domain.InlineImage) error {
	streamCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Reserve the turn slot before touching the store, so a losing
	// concurrent Send is rejected without leaving orphan messages behind.
	o.mu.Lock()
	if o.sess != nil {
		o.mu.Unlock()
		cancel()
		return ErrBusy
	}
	o.sess = sess
	captionMode := o.immersive
	o.mu.Unlock()

	release := func(err error) error {
		cancel()
		o.mu.Lock()
		if o.sess == sess {
			o.sess = nil
		}
		o.mu.Unlock()
		close(sess.done)
		return err
	}

	active, ok := o.store.Active()
	if !ok {
		return release(store.ErrNoConversation)
	}

	if captionMode {
		// A new voice turn replaces whatever is still being spoken.
		o.speaker.Interrupt()
	}

	userMsg := domain.Message{
		ID:     uuid.NewString(),
		Text:   text,
		Sender: domain.SenderUser,
	}
	if image != nil {
		userMsg.Image = image.Data
		userMsg.MimeType = image.MimeType
	}

	conv, err := o.store.Update(active.ID, func(c *domain.Conversation) {
		if !c.HasUserMessage() {
			c.Title = titleFrom(text)
		}
		c.Messages = append(c.Messages, userMsg)
	})
	if err != nil {
		return release(fmt.Errorf("append user message: %w", err))
	}

	// History is everything before the message we just appended.
	history := conv.Messages[:len(conv.Messages)-1]

	placeholderID := uuid.NewString()
	if _, err := o.store.Update(conv.ID, func(c *domain.Conversation) {
		c.Messages = append(c.Messages, domain.Message{
			ID:     placeholderID,
			Sender: domain.SenderAssistant,
		})
	}); err != nil {
		return release(fmt.Errorf("append placeholder: %w", err))
	}

	o.mu.Lock()
	sess.convID = conv.ID
	sess.messageID = placeholderID
	o.mu.Unlock()

	o.bus.Publish(bus.Event{Type: bus.EventState, ConversationID: conv.ID, Loading: true})

	req := domain.ChatRequest{
		History:      history,
		Prompt:       text,
		Image:        image,
		Model:        conv.Model,
		SystemPrompt: o.systemPrompt,
	}
	go o.run(streamCtx, sess, req, captionMode)
	return nil
}

// run consumes the token stream for one turn. Every exit path tears the
// session down and restores the not-loading state.
func (o *Orchestrator) run(ctx context.Context, sess *session, req domain.ChatRequest, captionMode bool) {
	defer func() {
		sess.cancel()
		o.mu.Lock()
		current := o.sess == sess
		if current {
			o.sess = nil
		}
		o.mu.Unlock()
		// A turn detached by Stop already had its state reset; a later
		// not-loading event would clobber the turn that replaced it.
		if current {
			o.bus.Publish(bus.Event{Type: bus.EventState, ConversationID: sess.convID})
		}
		close(sess.done)
	}()

	out := make(chan domain.StreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- o.provider.StreamChat(ctx, req, out)
	}()

	var accumulated strings.Builder
	var caption strings.Builder
	seg := speech.NewSegmenter()
	cancelled := false

	for ev := range out {
		if ctx.Err() != nil {
			// Cancellation observed: drain the channel without processing.
			cancelled = true
			continue
		}
		if ev.Type != domain.StreamToken {
			continue
		}
		accumulated.WriteString(ev.Text)

		if captionMode {
			for _, sentence := range seg.Push(ev.Text) {
				if caption.Len() > 0 {
					caption.WriteByte(' ')
				}
				caption.WriteString(sentence)
				o.bus.Publish(bus.Event{
					Type:           bus.EventCaption,
					ConversationID: sess.convID,
					MessageID:      sess.messageID,
					Text:           caption.String(),
				})
				o.speaker.Enqueue(sentence)
			}
		} else {
			o.overwrite(sess.convID, sess.messageID, accumulated.String())
			o.bus.Publish(bus.Event{
				Type:           bus.EventStream,
				ConversationID: sess.convID,
				MessageID:      sess.messageID,
				Text:           accumulated.String(),
			})
		}
	}

	// StreamChat closes out (via defer) before returning; collect its error
	// only after the range exits so the result is visible.
	streamErr := <-errCh
	if ctx.Err() != nil {
		cancelled = true
	}

	switch {
	case cancelled:
		// The message keeps whatever text arrived before the stop.
		o.overwrite(sess.convID, sess.messageID, accumulated.String())
		o.bus.Publish(bus.Event{
			Type:           bus.EventNotice,
			ConversationID: sess.convID,
			Text:           stoppedNotice,
		})

	case streamErr != nil:
		text := genericErrorText
		if isRateLimit(streamErr) {
			text = rateLimitText
		}
		o.logger.Error("turn failed", "conversation", sess.convID, "error", streamErr)
		o.overwrite(sess.convID, sess.messageID, text)
		o.bus.Publish(bus.Event{
			Type:           bus.EventError,
			ConversationID: sess.convID,
			MessageID:      sess.messageID,
			Text:           text,
		})

	default:
		if captionMode {
			if tail := seg.Flush(); tail != "" {
				if caption.Len() > 0 {
					caption.WriteByte(' ')
				}
				caption.WriteString(tail)
				o.bus.Publish(bus.Event{
					Type:           bus.EventCaption,
					ConversationID: sess.convID,
					MessageID:      sess.messageID,
					Text:           caption.String(),
				})
				o.speaker.Enqueue(tail)
			}
		}
		// The persisted transcript is authoritative even when captions
		// carried the live display.
		o.overwrite(sess.convID, sess.messageID, accumulated.String())
		o.bus.Publish(bus.Event{
			Type:           bus.EventStream,
			ConversationID: sess.convID,
			MessageID:      sess.messageID,
			Text:           accumulated.String(),
		})
	}
}

// Regenerate truncates the active conversation back to just before its most
// recent user message and re-sends that message's text. No-op when the
// conversation has no user message.
func (o *Orchestrator) Regenerate(ctx context.Context) error {
	active, ok := o.store.Active()
	if !ok {
		return store.ErrNoConversation
	}
	msg, i := active.LastUserMessage()
	if i < 0 {
		return nil
	}
	if _, err := o.store.Update(active.ID, func(c *domain.Conversation) {
		if i <= len(c.Messages) {
			c.Messages = c.Messages[:i]
		}
	}); err != nil {
		return fmt.Errorf("truncate for regenerate: %w", err)
	}
	// The re-sent message carries everything the original did, its image
	// included.
	var img *domain.InlineImage
	if msg.Image != "" {
		img = &domain.InlineImage{MimeType: msg.MimeType, Data: msg.Image}
	}
	return o.Send(ctx, msg.Text, img)
}

// Edit rewrites a user message and discards everything after it, then
// re-sends with the new text.
func (o *Orchestrator) Edit(ctx context.Context, messageID, newText string) error {
	active, ok := o.store.Active()
	if !ok {
		return store.ErrNoConversation
	}
	idx := -1
	for i := range active.Messages {
		if active.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no message %s in conversation %s", messageID, active.ID)
	}
	if _, err := o.store.Update(active.ID, func(c *domain.Conversation) {
		if idx <= len(c.Messages) {
			c.Messages = c.Messages[:idx]
		}
	}); err != nil {
		return fmt.Errorf("truncate for edit: %w", err)
	}
	return o.Send(ctx, newText, nil)
}

// Stop cancels and detaches the in-flight turn, if any. The not-loading
// state is reported immediately and a new Send is accepted right away; the
// detached stream winds down in the background, touching only its own
// message id.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	sess := o.sess
	o.sess = nil
	var convID string
	if sess != nil {
		convID = sess.convID
	}
	o.mu.Unlock()
	if sess == nil {
		return
	}
	sess.cancel()
	o.bus.Publish(bus.Event{Type: bus.EventState, ConversationID: convID})
}

// SetImmersive toggles caption mode. Speech is interrupted on every
// transition so leftover audio from the other mode never lingers.
func (o *Orchestrator) SetImmersive(on bool) {
	o.mu.Lock()
	changed := o.immersive != on
	o.immersive = on
	o.mu.Unlock()
	if changed {
		o.speaker.Interrupt()
		o.bus.Publish(bus.Event{Type: bus.EventState})
	}
}

// Immersive reports whether caption mode is on.
func (o *Orchestrator) Immersive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.immersive
}

// Busy reports whether a turn is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess != nil
}

// Wait blocks until the in-flight turn, if any, finishes winding down.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess != nil {
		<-sess.done
	}
}

// overwrite rewrites the streaming assistant message by id.
func (o *Orchestrator) overwrite(convID, messageID, text string) {
	if _, err := o.store.Update(convID, func(c *domain.Conversation) {
		for i := range c.Messages {
			if c.Messages[i].ID == messageID {
				c.Messages[i].Text = text
				return
			}
		}
	}); err != nil {
		o.logger.Warn("streaming update lost", "conversation", convID, "error", err)
	}
}

func titleFrom(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > maxTitleLen {
		runes = runes[:maxTitleLen]
	}
	return string(runes)
}

func isRateLimit(err error) bool {
	if errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted")
}
