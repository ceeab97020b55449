package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/4xmen/jashn/pkg/config"
)

type appStatus struct {
	GeneratedAt     time.Time
	Environment     string
	Port            string
	DatabasePath    string
	FileStoragePath string
	Members         int64
	Rooms           int64
	OnlineMembers   int64
	Messages        int64
	Files           int64
	UploadedBytes   int64
	MessagesLast24h int64
	LatestMessageAt time.Time
	DBSize          int64
	DBWALSize       int64
	DBSHMSize       int64
	UploadDirSize   int64
	UploadFileCount int64
	DBMetricsReady  bool
	DBWarning       string
	StorageWarnings []string
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show development backend statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := bindFlags(v, cmd, map[string]string{
				"DATABASE_PATH":     "db",
				"FILE_STORAGE_PATH": "uploads",
			})
			if err != nil {
				return err
			}
			status := collectStatus(config.FromViper(v))
			if asJSON {
				return printStatusJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print as JSON")
	cmd.Flags().String("db", "", "sqlite database path")
	cmd.Flags().String("uploads", "", "directory for uploaded files")
	return cmd
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:     time.Now(),
		Environment:     cfg.Environment,
		Port:            cfg.Port,
		DatabasePath:    cfg.DatabasePath,
		FileStoragePath: cfg.FileStoragePath,
	}

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		status.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}
	if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
		status.DBWALSize = size
	}
	if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
		status.DBSHMSize = size
	}

	if bytes, files, err := dirUsage(cfg.FileStoragePath); err == nil {
		status.UploadDirSize = bytes
		status.UploadFileCount = files
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("upload dir: %v", err))
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	dbConn, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	if err := readDBStats(dbConn, &status); err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}
	status.DBMetricsReady = true
	return status
}

func readDBStats(db *sql.DB, status *appStatus) error {
	counters := []struct {
		dst   *int64
		query string
	}{
		{&status.Members, "SELECT COUNT(*) FROM members"},
		{&status.Rooms, "SELECT COUNT(DISTINCT room_id) FROM messages"},
		{&status.OnlineMembers, "SELECT COUNT(DISTINCT member_id) FROM room_members WHERE status = 'ONLINE'"},
		{&status.Messages, "SELECT COUNT(*) FROM messages"},
		{&status.Files, "SELECT COUNT(*) FROM files"},
		{&status.UploadedBytes, "SELECT COALESCE(SUM(file_size), 0) FROM files"},
		{&status.MessagesLast24h, "SELECT COUNT(*) FROM messages WHERE datetime(created_at) >= datetime('now', '-1 day')"},
	}
	for _, c := range counters {
		if err := db.QueryRow(c.query).Scan(c.dst); err != nil {
			return errors.Wrap(err, c.query)
		}
	}

	var latest sql.NullTime
	if err := db.QueryRow("SELECT created_at FROM messages ORDER BY id DESC LIMIT 1").Scan(&latest); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "latest message")
	}
	if latest.Valid {
		status.LatestMessageAt = latest.Time
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func dirUsage(root string) (int64, int64, error) {
	var totalBytes int64
	var totalFiles int64

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		totalBytes += info.Size()
		totalFiles++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return totalBytes, totalFiles, nil
}

func formatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

func formatTimestamp(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.RelTime(t, now, "ago", "from now"))
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "Jashn Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Port        : %s\n", status.Port)
	fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	fmt.Fprintf(out, "Uploads dir : %s\n", status.FileStoragePath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Data")
	if status.DBMetricsReady {
		fmt.Fprintf(out, "  Members           : %s\n", humanize.Comma(status.Members))
		fmt.Fprintf(out, "  Online members    : %s\n", humanize.Comma(status.OnlineMembers))
		fmt.Fprintf(out, "  Rooms             : %s\n", humanize.Comma(status.Rooms))
		fmt.Fprintf(out, "  Messages          : %s\n", humanize.Comma(status.Messages))
		fmt.Fprintf(out, "  File records      : %s\n", humanize.Comma(status.Files))
		fmt.Fprintf(out, "  Uploaded bytes DB : %s\n", formatBytes(status.UploadedBytes))
		fmt.Fprintf(out, "  Messages last 24h : %s\n", humanize.Comma(status.MessagesLast24h))
		fmt.Fprintf(out, "  Latest message at : %s\n", formatTimestamp(status.LatestMessageAt, status.GeneratedAt))
	} else {
		fmt.Fprintln(out, "  Database metrics  : n/a")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage")
	fmt.Fprintf(out, "  DB file       : %s\n", formatBytes(status.DBSize))
	fmt.Fprintf(out, "  DB WAL file   : %s\n", formatBytes(status.DBWALSize))
	fmt.Fprintf(out, "  DB SHM file   : %s\n", formatBytes(status.DBSHMSize))
	fmt.Fprintf(out, "  DB footprint  : %s\n", formatBytes(totalDB))
	fmt.Fprintf(out, "  Upload files  : %d\n", status.UploadFileCount)
	fmt.Fprintf(out, "  Upload size   : %s\n", formatBytes(status.UploadDirSize))

	if status.DBWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.DBWarning)
	}

	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	latest := ""
	if !status.LatestMessageAt.IsZero() {
		latest = status.LatestMessageAt.Format(time.RFC3339)
	}
	footprint := status.DBSize + status.DBWALSize + status.DBSHMSize
	payload := map[string]any{
		"generated_at":      status.GeneratedAt.Format(time.RFC3339),
		"environment":       status.Environment,
		"port":              status.Port,
		"database_path":     status.DatabasePath,
		"file_storage_path": status.FileStoragePath,
		"metrics_ready":     status.DBMetricsReady,
		"metrics": map[string]any{
			"members":            status.Members,
			"online_members":     status.OnlineMembers,
			"rooms":              status.Rooms,
			"messages":           status.Messages,
			"files":              status.Files,
			"uploaded_bytes_db":  status.UploadedBytes,
			"messages_last_24h":  status.MessagesLast24h,
			"latest_message_at":  latest,
			"uploaded_bytes_hum": formatBytes(status.UploadedBytes),
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": footprint,
			"upload_dir_bytes":   status.UploadDirSize,
			"upload_file_count":  status.UploadFileCount,
			"db_footprint_hum":   formatBytes(footprint),
			"upload_dir_hum":     formatBytes(status.UploadDirSize),
		},
		"warnings": map[string]any{
			"database": status.DBWarning,
			"storage":  status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
