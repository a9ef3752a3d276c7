package legacy

import (
	"compress/gzip"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/buslogic/smart-city-sub000/internal/timeseries"
)

// importBatchSize caps positions per write while importing a dump.
const importBatchSize = 1000

// Runner executes external commands. The real implementation shells out;
// tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// PositionWriter receives imported positions. Satisfied by timeseries.Store.
type PositionWriter interface {
	InsertPositions(ctx context.Context, positions []timeseries.Position) (int, error)
}

// SSHSource reads historical GPS data off a legacy server over SSH. Each
// vehicle has its own <garageNo>gps table; exports run mysqldump remotely,
// gzip the result and scp it here for parsing.
type SSHSource struct {
	cred   models.LegacyCredential
	cfg    config.LegacyConfig
	writer PositionWriter
	runner Runner

	localDir string

	mu     sync.Mutex
	remote map[string]string // local dump path -> remote path
}

// NewSSHSource returns an SSHSource for one legacy server. The credential
// password must already be decrypted.
func NewSSHSource(cred models.LegacyCredential, cfg config.LegacyConfig, writer PositionWriter) (*SSHSource, error) {
	if cred.Host == "" {
		return nil, fmt.Errorf("legacy: credential host is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("legacy: writer is required")
	}
	return &SSHSource{
		cred:     cred,
		cfg:      cfg,
		writer:   writer,
		runner:   execRunner{},
		localDir: os.TempDir(),
		remote:   make(map[string]string),
	}, nil
}

func (s *SSHSource) sshArgs(remoteCmd string) []string {
	args := []string{"-o", "StrictHostKeyChecking=no", "-o", "BatchMode=yes"}
	if s.cfg.SSHKeyPath != "" {
		args = append(args, "-i", s.cfg.SSHKeyPath)
	}
	return append(args, fmt.Sprintf("%s@%s", s.cfg.SSHUser, s.cred.Host), remoteCmd)
}

func (s *SSHSource) mysqlAuth() string {
	return fmt.Sprintf("-h127.0.0.1 -P%d -u%s -p%s", s.cred.Port, s.cred.Username, shellQuote(s.cred.Password))
}

func tableFor(garageNo string) string {
	return strings.ToLower(garageNo) + "gps"
}

// shellQuote single-quotes a value for the remote shell.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// Count returns the number of legacy samples for the vehicle in [from, to].
func (s *SSHSource) Count(ctx context.Context, garageNo string, from, to time.Time) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE captured BETWEEN '%s' AND '%s'",
		tableFor(garageNo), from.UTC().Format(capturedLayout), to.UTC().Format(capturedLayout))
	remoteCmd := fmt.Sprintf("mysql %s %s -N -B -e %s", s.mysqlAuth(), s.cred.Database, shellQuote(query))

	out, err := s.runner.Run(ctx, "ssh", s.sshArgs(remoteCmd)...)
	if err != nil {
		return 0, fmt.Errorf("legacy: count %s: %w", garageNo, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("legacy: count %s: parse %q: %w", garageNo, strings.TrimSpace(string(out)), err)
	}
	return n, nil
}

// Export dumps the vehicle's window remotely, compresses it, copies it
// here and returns the local path.
func (s *SSHSource) Export(ctx context.Context, garageNo string, from, to time.Time) (string, error) {
	name := fmt.Sprintf("gps_%s_%d.sql.gz", strings.ToLower(garageNo), time.Now().UnixNano())
	remotePath := "/tmp/" + name
	localPath := filepath.Join(s.localDir, name)

	where := fmt.Sprintf("captured BETWEEN '%s' AND '%s'",
		from.UTC().Format(capturedLayout), to.UTC().Format(capturedLayout))
	dump := fmt.Sprintf("mysqldump %s %s %s --no-create-info --compact --skip-extended-insert --where=%s | gzip > %s",
		s.mysqlAuth(), s.cred.Database, tableFor(garageNo), shellQuote(where), remotePath)

	if _, err := s.runner.Run(ctx, "ssh", s.sshArgs(dump)...); err != nil {
		return "", fmt.Errorf("legacy: export %s: %w", garageNo, err)
	}

	scpArgs := []string{"-o", "StrictHostKeyChecking=no", "-o", "BatchMode=yes"}
	if s.cfg.SSHKeyPath != "" {
		scpArgs = append(scpArgs, "-i", s.cfg.SSHKeyPath)
	}
	scpArgs = append(scpArgs, fmt.Sprintf("%s@%s:%s", s.cfg.SSHUser, s.cred.Host, remotePath), localPath)
	if _, err := s.runner.Run(ctx, "scp", scpArgs...); err != nil {
		return "", fmt.Errorf("legacy: transfer %s: %w", garageNo, err)
	}

	s.mu.Lock()
	s.remote[localPath] = remotePath
	s.mu.Unlock()
	return localPath, nil
}

// Import parses a transferred dump and writes its samples under the given
// registry vehicle in batches.
func (s *SSHSource) Import(ctx context.Context, dumpPath string, vehicleID int64, garageNo string) (ImportStats, error) {
	var stats ImportStats

	f, err := os.Open(dumpPath)
	if err != nil {
		return stats, fmt.Errorf("legacy: open dump: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return stats, fmt.Errorf("legacy: gunzip dump: %w", err)
	}
	defer gz.Close()

	batch := make([]timeseries.Position, 0, importBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.writer.InsertPositions(ctx, batch)
		if err != nil {
			return err
		}
		stats.Inserted += n
		batch = batch[:0]
		return nil
	}

	bad, err := parseDump(gz, vehicleID, garageNo, func(p timeseries.Position) error {
		stats.Processed++
		batch = append(batch, p)
		if len(batch) == importBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("legacy: import %s: %w", garageNo, err)
	}
	if err := flush(); err != nil {
		return stats, fmt.Errorf("legacy: import %s: %w", garageNo, err)
	}
	if bad > 0 {
		log.Printf("legacy: import %s: skipped %d unparseable rows", garageNo, bad)
	}
	return stats, nil
}

// Cleanup removes the local dump and its remote counterpart. Failures are
// logged, not returned: leftover temp files never fail a sync.
func (s *SSHSource) Cleanup(ctx context.Context, dumpPath string) {
	if err := os.Remove(dumpPath); err != nil && !os.IsNotExist(err) {
		log.Printf("legacy: cleanup local %s: %v", dumpPath, err)
	}

	s.mu.Lock()
	remotePath, ok := s.remote[dumpPath]
	delete(s.remote, dumpPath)
	s.mu.Unlock()
	if !ok {
		return
	}

	if _, err := s.runner.Run(ctx, "ssh", s.sshArgs("rm -f "+remotePath)...); err != nil {
		log.Printf("legacy: cleanup remote %s: %v", remotePath, err)
	}
}
