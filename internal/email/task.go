// Package email implements the EmailSend scheduler task (spec §4.C):
// persistent, retryable outbound mail for things like registration
// confirmations and ACME failure alerts. Sending goes straight through
// net/smtp against a configured relay rather than a templating engine -
// the corpus carries no mail-template library, and these are short
// system notices with a handful of fixed layouts (see DESIGN.md).
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"

	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/scheduler"
)

// Kind is the registered scheduler.TaskType.Kind for this task.
const Kind = "core.email_send"

// Sender delivers one message. The reference implementation
// (SMTPSender) wraps net/smtp; tests substitute a fake.
type Sender interface {
	Send(to, subject, body string) error
}

// taskCtx is the serialized task context (spec §4.C "EmailSend").
type taskCtx struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TaskType builds EmailSend tasks. It holds the Sender the pipeline
// needs, following the action.DeliveryTaskType convention.
type TaskType struct {
	Sender Sender
}

func (TaskType) Kind() string { return Kind }

func (t TaskType) Build(taskID, serializedCtx string) (scheduler.Task, error) {
	var tc taskCtx
	if err := json.Unmarshal([]byte(serializedCtx), &tc); err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "decoding email task context", err)
	}
	return &task{sender: t.Sender, ctx: tc}, nil
}

type task struct {
	sender Sender
	ctx    taskCtx
}

func (t *task) Serialize() (string, error) {
	b, err := json.Marshal(t.ctx)
	return string(b), err
}

func (t *task) Run(ctx context.Context, _ any) error {
	if err := t.sender.Send(t.ctx.To, t.ctx.Subject, t.ctx.Body); err != nil {
		return coreerr.Wrap(coreerr.NetworkError, "sending email to "+t.ctx.To, err)
	}
	return nil
}

// NewSubmissionCtx serializes a task context for callers building a
// scheduler.Submission directly.
func NewSubmissionCtx(to, subject, body string) (string, error) {
	b, err := json.Marshal(taskCtx{To: to, Subject: subject, Body: body})
	return string(b), err
}

// SMTPSender is the reference Sender, relaying through a configured SMTP
// server with optional PLAIN auth (spec §6 "SMTP relay").
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// NewSMTPSender builds a Sender from explicit relay settings.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{Host: host, Port: port, Username: username, Password: password, From: from}
}

func (s *SMTPSender) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	msg.WriteString(body)

	return smtp.SendMail(addr, auth, s.From, []string{to}, msg.Bytes())
}
