// Package mail delivers rendered emails off the request path.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

var (
	ErrQueueFull = errors.New("mail queue full")
	ErrClosed    = errors.New("mailer closed")
)

// Message is one rendered email.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a message synchronously.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds the relay settings for ShoutrrrSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// router is the part of a shoutrrr ServiceRouter we use.
type router interface {
	Send(message string, params *types.Params) []error
}

func createRouter(urls ...string) (router, error) {
	r, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ShoutrrrSender sends mail through shoutrrr's smtp service.
type ShoutrrrSender struct {
	cfg       SMTPConfig
	newRouter func(urls ...string) (router, error)
}

func NewShoutrrrSender(cfg SMTPConfig) *ShoutrrrSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &ShoutrrrSender{cfg: cfg, newRouter: createRouter}
}

// URL builds the shoutrrr smtp service URL for the given recipients.
func (s *ShoutrrrSender) URL(to []string, html bool) string {
	u := url.URL{
		Scheme: "smtp",
		Host:   s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port),
		Path:   "/",
	}
	if s.cfg.Username != "" {
		u.User = url.UserPassword(s.cfg.Username, s.cfg.Password)
	}
	q := url.Values{}
	q.Set("fromaddress", s.cfg.From)
	q.Set("toaddresses", strings.Join(to, ","))
	if html {
		q.Set("usehtml", "yes")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *ShoutrrrSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("send mail: no recipients")
	}
	body, html := msg.Text, false
	if msg.HTML != "" {
		body, html = msg.HTML, true
	}

	r, err := s.newRouter(s.URL(msg.To, html))
	if err != nil {
		return fmt.Errorf("create smtp sender: %w", err)
	}
	params := types.Params{}
	params.SetTitle(msg.Subject)
	params["subject"] = msg.Subject

	if err := ctx.Err(); err != nil {
		return err
	}
	var errs []error
	for _, e := range r.Send(body, &params) {
		if e != nil {
			errs = append(errs, e)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("send mail: %w", errors.Join(errs...))
	}
	return nil
}

// AsyncMailer queues messages and delivers them from a single worker goroutine.
type AsyncMailer struct {
	sender  Sender
	queue   chan Message
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAsyncMailer starts the delivery worker. Close must be called to stop it.
func NewAsyncMailer(sender Sender, size int, timeout time.Duration, logger *slog.Logger) *AsyncMailer {
	if size <= 0 {
		size = 100
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &AsyncMailer{
		sender:  sender,
		queue:   make(chan Message, size),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Enqueue hands msg to the worker without blocking.
func (m *AsyncMailer) Enqueue(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (m *AsyncMailer) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}

func (m *AsyncMailer) run() {
	defer close(m.done)
	for msg := range m.queue {
		m.deliver(msg)
	}
}

func (m *AsyncMailer) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("mail sender panicked", "panic", fmt.Sprint(r), "subject", msg.Subject)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Error("mail delivery failed", "error", err, "subject", msg.Subject, "recipients", len(msg.To))
	}
}
