package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DownloadStatus is the status of one hub download record.
type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "pending"
	DownloadCompleted DownloadStatus = "completed"
)

// Download is one row of hub_downloads, unique on (ModelID, Filename,
// Destination).
type Download struct {
	ModelID         string
	Filename        string
	Destination     string
	TotalBytes      int64
	BytesDownloaded int64
	Status          DownloadStatus
	ETag            string
	DownloadedAt    int64
}

// UpsertDownload inserts or updates a download's progress checkpoint.
func (s *Store) UpsertDownload(d Download, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var downloadedAt sql.NullInt64
	if d.Status == DownloadCompleted {
		downloadedAt = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO hub_downloads (model_id, filename, destination, total_bytes, bytes_downloaded, status, etag, downloaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model_id, filename, destination) DO UPDATE SET
		   total_bytes = excluded.total_bytes,
		   bytes_downloaded = excluded.bytes_downloaded,
		   status = excluded.status,
		   etag = excluded.etag,
		   downloaded_at = COALESCE(excluded.downloaded_at, hub_downloads.downloaded_at)`,
		d.ModelID, d.Filename, d.Destination, d.TotalBytes, d.BytesDownloaded, d.Status, d.ETag, downloadedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert download: %w", err)
	}
	return nil
}

// GetDownload fetches one download checkpoint, used to resume a
// partially-completed transfer.
func (s *Store) GetDownload(modelID, filename, destination string) (Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Download
	var etag sql.NullString
	var downloadedAt sql.NullInt64
	err := s.db.QueryRow(
		`SELECT model_id, filename, destination, total_bytes, bytes_downloaded, status, etag, downloaded_at
		 FROM hub_downloads WHERE model_id = ? AND filename = ? AND destination = ?`,
		modelID, filename, destination,
	).Scan(&d.ModelID, &d.Filename, &d.Destination, &d.TotalBytes, &d.BytesDownloaded, &d.Status, &etag, &downloadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Download{}, ErrNotFound
	}
	if err != nil {
		return Download{}, fmt.Errorf("store: get download: %w", err)
	}
	d.ETag = etag.String
	d.DownloadedAt = downloadedAt.Int64
	return d, nil
}

// ListDownloads returns every known download record.
func (s *Store) ListDownloads() ([]Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT model_id, filename, destination, total_bytes, bytes_downloaded, status, etag, downloaded_at FROM hub_downloads`)
	if err != nil {
		return nil, fmt.Errorf("store: list downloads: %w", err)
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		var d Download
		var etag sql.NullString
		var downloadedAt sql.NullInt64
		if err := rows.Scan(&d.ModelID, &d.Filename, &d.Destination, &d.TotalBytes, &d.BytesDownloaded, &d.Status, &etag, &downloadedAt); err != nil {
			return nil, fmt.Errorf("store: scan download: %w", err)
		}
		d.ETag = etag.String
		d.DownloadedAt = downloadedAt.Int64
		out = append(out, d)
	}
	return out, rows.Err()
}
