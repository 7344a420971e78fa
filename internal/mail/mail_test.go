package mail

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/gomail.v2"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		invalid bool
	}{
		{"ada@example.com", "ada@example.com", false},
		{"  ada@example.com ", "ada@example.com", false},
		{"Ada <ada@example.com>", "ada@example.com", false},
		{"", "", true},
		{"not-an-address", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeAddress(tt.in)
		if tt.invalid {
			if !errors.Is(err, ErrInvalidRecipient) {
				t.Errorf("NormalizeAddress(%q): expected ErrInvalidRecipient, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(ErrInvalidRecipient) || !IsPermanent(ErrRejected) {
		t.Error("sentinel errors must be permanent")
	}
	if IsPermanent(errors.New("timeout")) {
		t.Error("arbitrary errors must not be permanent")
	}
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESMailer_Send(t *testing.T) {
	fake := &fakeSES{}
	m := NewSESMailerWithClient(fake, "noreply@lynk.bio", zap.NewNop())

	err := m.Send(context.Background(), Message{
		To:      "ada@example.com",
		Subject: "Weekly picks",
		HTML:    "<p>hi</p>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if aws.ToString(fake.input.Source) != "noreply@lynk.bio" {
		t.Errorf("unexpected source %q", aws.ToString(fake.input.Source))
	}
	if got := fake.input.Destination.ToAddresses; len(got) != 1 || got[0] != "ada@example.com" {
		t.Errorf("unexpected destination %v", got)
	}
	if fake.input.Message.Body.Html == nil || aws.ToString(fake.input.Message.Body.Html.Data) != "<p>hi</p>" {
		t.Error("expected html body")
	}
	if fake.input.Message.Body.Text != nil {
		t.Error("expected no text body")
	}
}

func TestSESMailer_RejectedIsPermanent(t *testing.T) {
	fake := &fakeSES{err: &types.MessageRejected{Message: aws.String("address blacklisted")}}
	m := NewSESMailerWithClient(fake, "noreply@lynk.bio", zap.NewNop())

	err := m.Send(context.Background(), Message{To: "ada@example.com", Subject: "s", Text: "t"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestSESMailer_TransientError(t *testing.T) {
	fake := &fakeSES{err: errors.New("connection reset")}
	m := NewSESMailerWithClient(fake, "noreply@lynk.bio", zap.NewNop())

	err := m.Send(context.Background(), Message{To: "ada@example.com", Subject: "s", Text: "t"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestSESMailer_InvalidRecipientSkipsProvider(t *testing.T) {
	fake := &fakeSES{}
	m := NewSESMailerWithClient(fake, "noreply@lynk.bio", zap.NewNop())

	err := m.Send(context.Background(), Message{To: "nope", Subject: "s", Text: "t"})
	if !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	if fake.input != nil {
		t.Error("provider must not be called for an invalid recipient")
	}
}

func TestSMTPMailer_BuildsMessage(t *testing.T) {
	var sent []*gomail.Message
	m := NewSMTPMailer(SMTPConfig{Host: "localhost", Port: 1025, From: "noreply@lynk.bio"}, zap.NewNop())
	m.send = func(msgs ...*gomail.Message) error {
		sent = append(sent, msgs...)
		return nil
	}

	err := m.Send(context.Background(), Message{
		To:      "Ada <ada@example.com>",
		Subject: "Weekly picks",
		HTML:    "<p>hi</p>",
		Text:    "hi",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if got := sent[0].GetHeader("To"); len(got) != 1 || got[0] != "ada@example.com" {
		t.Errorf("unexpected To header %v", got)
	}
	if got := sent[0].GetHeader("Subject"); len(got) != 1 || got[0] != "Weekly picks" {
		t.Errorf("unexpected Subject header %v", got)
	}
}

func TestSMTPMailer_DialError(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "localhost", Port: 1025, From: "noreply@lynk.bio"}, zap.NewNop())
	m.send = func(...*gomail.Message) error { return errors.New("dial tcp: connection refused") }

	err := m.Send(context.Background(), Message{To: "ada@example.com", Subject: "s", Text: "t"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestLogMailer_LogsRecipient(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewLogMailer(zap.New(core))

	if err := m.Send(context.Background(), Message{To: "ada@example.com", Subject: "s", HTML: "<p/>"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	entries := logs.FilterField(zap.String("to", "ada@example.com")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry for recipient, got %d", len(entries))
	}
}

func TestMessage_RequiresSubjectAndBody(t *testing.T) {
	m := NewLogMailer(zap.NewNop())

	if err := m.Send(context.Background(), Message{To: "ada@example.com", HTML: "x"}); err == nil {
		t.Error("expected error for missing subject")
	}
	if err := m.Send(context.Background(), Message{To: "ada@example.com", Subject: "s"}); err == nil {
		t.Error("expected error for missing body")
	}
}
