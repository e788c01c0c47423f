package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/screentime/internal/model"
	"github.com/dukerupert/screentime/internal/store"
)

const defaultIntervalHours = 24

var (
	ErrBackupNotFound   = errors.New("backup not found")
	ErrBackupIncomplete = errors.New("backup did not complete and cannot be restored")
)

// s3Client is the subset of the S3 API the manager uses.
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds the credentials and endpoint for the backup target. The
// bucket, endpoint, and region come from the settings store at run time;
// credentials and the encryption passphrase come from the environment.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Passphrase      string
}

func newS3Client(cfg S3Config, endpoint, region string) s3Client {
	if region == "" {
		region = "auto"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return s3.New(opts)
}

// Manager runs scheduled encrypted database backups to S3-compatible storage.
type Manager struct {
	db       *sql.DB
	dbPath   string
	backups  *store.BackupStore
	settings *store.SettingsStore
	cfg      S3Config
	logger   *slog.Logger

	// newClient and exit are swappable for tests.
	newClient func(cfg S3Config, endpoint, region string) s3Client
	exit      func(code int)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(db *sql.DB, dbPath string, backups *store.BackupStore, settings *store.SettingsStore, cfg S3Config, logger *slog.Logger) *Manager {
	return &Manager{
		db:        db,
		dbPath:    dbPath,
		backups:   backups,
		settings:  settings,
		cfg:       cfg,
		logger:    logger.With("component", "backup"),
		newClient: newS3Client,
		exit:      os.Exit,
	}
}

// Start launches the backup loop. It re-reads the settings store each cycle
// so enabling backups or changing the interval takes effect without restart.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		for {
			interval := m.interval()
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				if err := m.maybeRun(ctx); err != nil {
					m.logger.Error("scheduled backup failed", "error", err)
				}
			}
		}
	}()
	m.logger.Info("backup manager started")
}

func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("backup manager stopped")
}

func (m *Manager) interval() time.Duration {
	settings, err := m.settings.GetBackupSettings()
	if err != nil {
		return defaultIntervalHours * time.Hour
	}
	hours, err := strconv.Atoi(settings["backup_interval_hours"])
	if err != nil || hours < 1 {
		hours = defaultIntervalHours
	}
	return time.Duration(hours) * time.Hour
}

// maybeRun performs a backup if backups are enabled in settings.
func (m *Manager) maybeRun(ctx context.Context) error {
	settings, err := m.settings.GetBackupSettings()
	if err != nil {
		return fmt.Errorf("read backup settings: %w", err)
	}
	if settings["backup_enabled"] != "true" {
		return nil
	}
	return m.run(ctx, settings)
}

// RunNow performs an immediate backup regardless of the enabled flag.
func (m *Manager) RunNow(ctx context.Context) (int64, error) {
	settings, err := m.settings.GetBackupSettings()
	if err != nil {
		return 0, fmt.Errorf("read backup settings: %w", err)
	}
	return m.runWithID(ctx, settings)
}

func (m *Manager) run(ctx context.Context, settings map[string]string) error {
	_, err := m.runWithID(ctx, settings)
	return err
}

func (m *Manager) runWithID(ctx context.Context, settings map[string]string) (int64, error) {
	bucket := settings["backup_bucket"]
	if bucket == "" {
		return 0, fmt.Errorf("backup bucket not configured")
	}
	if m.cfg.Passphrase == "" {
		return 0, fmt.Errorf("backup passphrase not configured")
	}

	filename := fmt.Sprintf("screentime-%s.db.enc", time.Now().UTC().Format("20060102-150405"))
	record, err := m.backups.Create(filename)
	if err != nil {
		return 0, fmt.Errorf("create backup record: %w", err)
	}

	size, err := m.upload(ctx, bucket, settings["backup_endpoint"], settings["backup_region"], filename)
	if err != nil {
		if markErr := m.backups.MarkFailed(record.ID, err.Error()); markErr != nil {
			m.logger.Error("mark backup failed", "id", record.ID, "error", markErr)
		}
		return record.ID, err
	}

	if err := m.backups.MarkCompleted(record.ID, size); err != nil {
		return record.ID, fmt.Errorf("mark backup completed: %w", err)
	}
	m.logger.Info("backup completed", "id", record.ID, "filename", filename, "size_bytes", size)
	return record.ID, nil
}

func (m *Manager) upload(ctx context.Context, bucket, endpoint, region, filename string) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "screentime-backup-*")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	// Flush the WAL so the copied file contains all committed writes.
	if _, err := m.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return 0, fmt.Errorf("wal checkpoint: %w", err)
	}

	plainPath := filepath.Join(tmpDir, "snapshot.db")
	if err := copyFile(m.dbPath, plainPath); err != nil {
		return 0, fmt.Errorf("copy database: %w", err)
	}

	encPath := filepath.Join(tmpDir, filename)
	if err := EncryptFile(plainPath, encPath, m.cfg.Passphrase); err != nil {
		return 0, fmt.Errorf("encrypt backup: %w", err)
	}

	data, err := os.ReadFile(encPath)
	if err != nil {
		return 0, fmt.Errorf("read encrypted backup: %w", err)
	}

	client := m.newClient(m.cfg, endpoint, region)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(filename),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}
	return int64(len(data)), nil
}

// Restore downloads a completed backup, decrypts and validates it, and
// replaces the live database file. The process then exits so a supervisor
// restarts it against the restored file; open connections cannot be pointed
// at the new file in place.
func (m *Manager) Restore(ctx context.Context, backupID int64) error {
	settings, err := m.settings.GetBackupSettings()
	if err != nil {
		return fmt.Errorf("read backup settings: %w", err)
	}
	bucket := settings["backup_bucket"]
	if bucket == "" {
		return fmt.Errorf("backup bucket not configured")
	}
	if m.cfg.Passphrase == "" {
		return fmt.Errorf("backup passphrase not configured")
	}

	record, err := m.backups.GetByID(backupID)
	if err != nil {
		return fmt.Errorf("get backup record: %w", err)
	}
	if record == nil {
		return ErrBackupNotFound
	}
	if record.Status != model.BackupStatusCompleted {
		return ErrBackupIncomplete
	}

	tmpDir, err := os.MkdirTemp("", "screentime-restore-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	encPath := filepath.Join(tmpDir, record.Filename)
	decPath := filepath.Join(tmpDir, "restored.db")

	client := m.newClient(m.cfg, settings["backup_endpoint"], settings["backup_region"])
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(record.Filename),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	out, err := os.Create(encPath)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	if _, err := io.Copy(out, result.Body); err != nil {
		out.Close()
		return fmt.Errorf("write download file: %w", err)
	}
	out.Close()

	if err := DecryptFile(encPath, decPath, m.cfg.Passphrase); err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}

	if err := checkIntegrity(decPath); err != nil {
		return err
	}

	if err := copyFile(decPath, m.dbPath); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(m.dbPath + "-wal")
	os.Remove(m.dbPath + "-shm")

	m.logger.Info("restore complete, exiting for restart", "backup_id", backupID, "filename", record.Filename)
	m.exit(0)
	return nil
}

// checkIntegrity opens the restored file and runs sqlite's integrity check
// before it is allowed to replace the live database.
func checkIntegrity(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
