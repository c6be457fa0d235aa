// Package notify mails the post-run report to the cluster operators.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
	"github.com/bihealth/hpc-access-cli/internal/config"
)

// Mailer sends plain-text report mails through the datacenter relay.
// The relay accepts mail from the cluster head nodes without
// authentication.
type Mailer struct {
	cfg    config.SMTPConfig
	logger *zap.Logger

	// sendMail is smtp.SendMail, swapped out under test.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailer creates a mailer for the given SMTP configuration.
func NewMailer(cfg config.SMTPConfig, logger *zap.Logger) *Mailer {
	return &Mailer{
		cfg:      cfg,
		logger:   logger.Named("notify"),
		sendMail: smtp.SendMail,
	}
}

// Summary describes the outcome of a run for the report mail.
type Summary struct {
	Command    string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Ops        *records.OperationsContainer
	Err        error
}

// Send mails the summary to the configured recipients.
func (m *Mailer) Send(summary Summary) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.ServerHost, m.cfg.ServerPort)
	if err := m.sendMail(addr, nil, m.cfg.SenderEmail, m.cfg.Recipients, m.message(summary)); err != nil {
		return fmt.Errorf("failed to send report mail: %w", err)
	}
	m.logger.Info("sent report mail",
		zap.String("command", summary.Command), zap.Strings("recipients", m.cfg.Recipients))
	return nil
}

// message renders the RFC 822 mail, CRLF line endings included.
func (m *Mailer) message(s Summary) []byte {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	line("From: %s", m.cfg.SenderEmail)
	line("To: %s", strings.Join(m.cfg.Recipients, ", "))
	if s.Err == nil {
		line("Subject: [hpc-access-cli] %s completed (%d operations)", s.Command, opCount(s.Ops))
	} else {
		line("Subject: [hpc-access-cli] %s FAILED", s.Command)
	}
	line("MIME-Version: 1.0")
	line("Content-Type: text/plain; charset=utf-8")
	line("")

	line("hpc-access-cli %s finished.", s.Command)
	line("")
	line("Started:  %s", s.StartedAt.Format(time.RFC3339))
	line("Finished: %s", s.FinishedAt.Format(time.RFC3339))
	line("Duration: %s", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	line("Dry run:  %s", yesNo(s.DryRun))
	line("")
	if s.Ops != nil {
		line("LDAP group operations:  %d", len(s.Ops.LdapGroupOps))
		line("LDAP user operations:   %d", len(s.Ops.LdapUserOps))
		line("File system operations: %d", len(s.Ops.FsOps))
		line("")
	}
	if s.Err == nil {
		line("Result: OK")
	} else {
		line("Result: FAILED: %s", s.Err)
	}
	return []byte(b.String())
}

func opCount(ops *records.OperationsContainer) int {
	if ops == nil {
		return 0
	}
	return len(ops.LdapUserOps) + len(ops.LdapGroupOps) + len(ops.FsOps)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
