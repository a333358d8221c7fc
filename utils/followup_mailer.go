package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"nudgemail/engine"
	"nudgemail/models"
)

// FollowUpMailer delivers follow-up emails over the sender's own SMTP
// account. It implements engine.EmailSender.
type FollowUpMailer struct {
	db     *gorm.DB
	logger *logrus.Entry
}

func NewFollowUpMailer(db *gorm.DB, logger *logrus.Logger) *FollowUpMailer {
	return &FollowUpMailer{
		db:     db,
		logger: logger.WithField("component", "mailer"),
	}
}

// Send composes and delivers one follow-up in the original thread. The
// context bounds the whole SMTP exchange; hitting the deadline counts as a
// transient failure, never a silent success.
func (fm *FollowUpMailer) Send(ctx context.Context, msg engine.OutgoingMessage) (*engine.SendResult, error) {
	var sender models.Sender
	if err := fm.db.WithContext(ctx).First(&sender, msg.SenderID).Error; err != nil {
		return nil, &engine.TransientError{Op: "load sender", Err: err}
	}

	password, err := Decrypt(sender.SMTPPassword)
	if err != nil {
		return nil, &engine.TransientError{Op: "decrypt SMTP password", Err: err}
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), emailDomain(sender.FromEmail))

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(sender.FromEmail, sender.FromName))
	m.SetHeader("To", msg.To)
	if len(msg.CC) > 0 {
		m.SetHeader("Cc", msg.CC...)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", angleWrap(msg.InReplyTo))
	}
	if msg.References != "" {
		m.SetHeader("References", angleWrap(msg.References))
	}
	m.SetBody("text/html", msg.Body)

	dialer := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	dialer.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}

	// gomail has no context support; run the exchange in a goroutine and
	// treat a context deadline as failure of this one send.
	errCh := make(chan error, 1)
	go func() {
		errCh <- dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return nil, &engine.TransientError{Op: "smtp send", Err: ctx.Err()}
	case err := <-errCh:
		if err != nil {
			return nil, classifySMTPError(err)
		}
	}

	fm.logger.WithFields(logrus.Fields{
		"sender_id":  sender.ID,
		"to":         msg.To,
		"message_id": messageID,
	}).Info("Follow-up sent")

	return &engine.SendResult{MessageID: messageID}, nil
}

func classifySMTPError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "535") || strings.Contains(msg, "534") ||
		strings.Contains(msg, "auth") || strings.Contains(msg, "password") {
		return &engine.AuthError{Op: "smtp send", Err: err}
	}
	return &engine.TransientError{Op: "smtp send", Err: err}
}

func emailDomain(address string) string {
	if at := strings.LastIndexByte(address, '@'); at >= 0 && at < len(address)-1 {
		return address[at+1:]
	}
	return "localhost"
}

func angleWrap(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
