package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"nudgemail/engine"
	"nudgemail/models"
)

// ReplyInspector checks a sender's mailbox over IMAP for replies to an
// enrolled thread. It implements engine.ThreadInspector.
type ReplyInspector struct {
	db     *gorm.DB
	logger *logrus.Entry
}

func NewReplyInspector(db *gorm.DB, logger *logrus.Logger) *ReplyInspector {
	return &ReplyInspector{
		db:     db,
		logger: logger.WithField("component", "reply-inspector"),
	}
}

type inspectResult struct {
	found bool
	err   error
}

// HasExternalReplyAfter reports whether a message referencing threadID with
// an internal date strictly after since and a From address other than
// ownerEmail exists in the sender's mailbox.
func (ri *ReplyInspector) HasExternalReplyAfter(ctx context.Context, senderID uint, threadID string, since time.Time, ownerEmail string) (bool, error) {
	var sender models.Sender
	if err := ri.db.WithContext(ctx).First(&sender, senderID).Error; err != nil {
		return false, &engine.TransientError{Op: "load sender", Err: err}
	}
	if sender.IMAPHost == "" {
		return false, &engine.TransientError{Op: "imap inspect", Err: fmt.Errorf("sender %d has no IMAP configuration", senderID)}
	}

	password, err := Decrypt(sender.IMAPPassword)
	if err != nil {
		return false, &engine.TransientError{Op: "decrypt IMAP password", Err: err}
	}

	resCh := make(chan inspectResult, 1)
	go func() {
		found, err := ri.inspect(&sender, password, threadID, since, ownerEmail)
		resCh <- inspectResult{found: found, err: err}
	}()

	select {
	case <-ctx.Done():
		return false, &engine.TransientError{Op: "imap inspect", Err: ctx.Err()}
	case res := <-resCh:
		return res.found, res.err
	}
}

func (ri *ReplyInspector) inspect(sender *models.Sender, password, threadID string, since time.Time, ownerEmail string) (bool, error) {
	imapClient, err := ri.dial(sender)
	if err != nil {
		return false, &engine.TransientError{Op: "imap dial", Err: err}
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, password); err != nil {
		return false, &engine.AuthError{Op: "imap login", Err: err}
	}

	mailbox := sender.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, true); err != nil {
		return false, &engine.TransientError{Op: "imap select", Err: err}
	}

	// IMAP SINCE has date granularity; start a day early and filter on the
	// envelope date below.
	criteria := imap.NewSearchCriteria()
	criteria.Since = since.AddDate(0, 0, -1)
	criteria.Header.Add("In-Reply-To", threadID)

	ids, err := imapClient.Search(criteria)
	if err != nil {
		return false, &engine.TransientError{Op: "imap search", Err: err}
	}
	if len(ids) == 0 {
		return false, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope}, messages)
	}()

	found := false
	for msg := range messages {
		env := msg.Envelope
		if env == nil || !env.Date.After(since) {
			continue
		}
		for _, from := range env.From {
			if !strings.EqualFold(from.Address(), ownerEmail) {
				found = true
			}
		}
	}

	if err := <-done; err != nil {
		return false, &engine.TransientError{Op: "imap fetch", Err: err}
	}
	return found, nil
}

func (ri *ReplyInspector) dial(sender *models.Sender) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)

	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, &tls.Config{ServerName: sender.IMAPHost})
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(&tls.Config{ServerName: sender.IMAPHost}); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}
