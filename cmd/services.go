package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
	"github.com/bihealth/hpc-access-cli/internal/audit"
	"github.com/bihealth/hpc-access-cli/internal/config"
	"github.com/bihealth/hpc-access-cli/internal/fs"
	"github.com/bihealth/hpc-access-cli/internal/ldap"
	"github.com/bihealth/hpc-access-cli/internal/mailman"
	"github.com/bihealth/hpc-access-cli/internal/notify"
	"github.com/bihealth/hpc-access-cli/internal/rest"
	"github.com/bihealth/hpc-access-cli/internal/state"
)

// directoryConn is the part of the LDAP connection the commands consume.
type directoryConn interface {
	state.DirectoryClient
	ApplyUserOp(op *records.LdapUserOp, dryRun bool) error
	ApplyGroupOp(op *records.LdapGroupOp, dryRun bool) error
	Close() error
}

// storageTree is the part of the file system manager the commands consume.
type storageTree interface {
	state.StorageTree
	ApplyOp(op *records.FsDirectoryOp, dryRun bool) error
}

// portalConn is the part of the hpc-access client the commands consume.
type portalConn interface {
	state.PortalClient
	Close()
}

// listSyncer drives the mailing list membership sync.
type listSyncer interface {
	Sync(ctx context.Context, emails []string, dryRun bool) error
	Close()
}

// reportMailer sends the post-run summary mail.
type reportMailer interface {
	Send(summary notify.Summary) error
}

// Factories for the external services. Tests swap these for fakes;
// setupCommand restores them.
var (
	connectDirectory = func(cfg config.LDAPConfig, logger *zap.Logger) (directoryConn, error) {
		return ldap.Connect(cfg, logger)
	}
	openStorage = func(prefix string, logger *zap.Logger) storageTree {
		return fs.NewManager(prefix, logger)
	}
	connectPortal = func(cfg config.HpcAccessConfig, logger *zap.Logger) (portalConn, error) {
		return rest.NewClient(cfg, logger)
	}
	connectMailman = func(cfg config.MailmanConfig, logger *zap.Logger) (listSyncer, error) {
		return mailman.NewClient(cfg, logger)
	}
	openAuditPool = func(ctx context.Context, url string) (audit.DBPool, func(), error) {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to audit database: %w", err)
		}
		return pool, pool.Close, nil
	}
	newReportMailer = func(cfg config.SMTPConfig, logger *zap.Logger) reportMailer {
		return notify.NewMailer(cfg, logger)
	}
)

// storagePrefix returns the path prefix for all file system access.
// DEBUG=1 redirects to the sshfs mirror so that runs from a workstation
// cannot touch the cluster tree directly.
func storagePrefix() string {
	if os.Getenv("DEBUG") == "1" {
		return "/data/sshfs"
	}
	return ""
}
