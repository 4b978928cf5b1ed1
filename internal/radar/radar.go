// Package radar scans live servers for abuse signals: sustained CPU or disk
// saturation and known-bad files (miners and the like). A danger verdict
// suspends the server; warnings only alert.
package radar

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nebulapanel-backend/internal/metrics"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/notify"
	"nebulapanel-backend/internal/pterodactyl"
	"nebulapanel-backend/internal/settings"
)

// PanelAccess is the panel slice the scanner needs: client-API reads for
// inspection plus suspend for enforcement.
type PanelAccess interface {
	ClientAPIConfigured() bool
	GetUtilization(ctx context.Context, identifier string) (*pterodactyl.Utilization, error)
	WalkFiles(ctx context.Context, identifier string, maxDepth int, fn func(path string, entry pterodactyl.FileEntry)) error
	Suspend(ctx context.Context, serverID uint) error
}

// Scanner runs abuse scans over active servers.
type Scanner struct {
	db       *gorm.DB
	settings *settings.Store
	panel    PanelAccess
	notifier notify.Notifier
}

func NewScanner(db *gorm.DB, store *settings.Store, panel PanelAccess, notifier notify.Notifier) *Scanner {
	return &Scanner{db: db, settings: store, panel: panel, notifier: notifier}
}

// Sample is everything a classification depends on.
type Sample struct {
	CPUPercent     float64 // of the plan's CPU limit, 100 = at the cap
	DiskPercent    float64 // of the plan's disk limit
	SuspiciousFile string  // first matched bad filename, empty if none
}

// Classify maps a sample to a verdict. A suspicious file is danger no
// matter how idle the server is.
func (s *Scanner) Classify(sample Sample) (string, string) {
	if sample.SuspiciousFile != "" {
		return models.RadarDanger, "suspicious file: " + sample.SuspiciousFile
	}

	cpuWarn := s.settings.GetFloat("radar_cpu_warning", 80)
	cpuDanger := s.settings.GetFloat("radar_cpu_danger", 95)
	diskWarn := s.settings.GetFloat("radar_disk_warning", 85)
	diskDanger := s.settings.GetFloat("radar_disk_danger", 97)

	switch {
	case sample.CPUPercent >= cpuDanger:
		return models.RadarDanger, fmt.Sprintf("cpu at %.0f%% of limit", sample.CPUPercent)
	case sample.DiskPercent >= diskDanger:
		return models.RadarDanger, fmt.Sprintf("disk at %.0f%% of limit", sample.DiskPercent)
	case sample.CPUPercent >= cpuWarn:
		return models.RadarWarning, fmt.Sprintf("cpu at %.0f%% of limit", sample.CPUPercent)
	case sample.DiskPercent >= diskWarn:
		return models.RadarWarning, fmt.Sprintf("disk at %.0f%% of limit", sample.DiskPercent)
	}
	return models.RadarSafe, ""
}

// suspiciousIn returns the first file whose basename matches the configured
// bad-file list and is not on the operator ignore list. Matching is
// case-insensitive on the basename.
func (s *Scanner) suspiciousIn(files []string) string {
	bad := s.settings.GetList("radar_suspicious_files")
	if len(bad) == 0 {
		bad = []string{"xmrig", "xmrig.exe", "cpuminer", "minerd", "kdevtmpfsi"}
	}
	ignore := s.settings.GetList("radar_ignored_files")

	for _, f := range files {
		base := strings.ToLower(path.Base(f))
		if matchesAny(base, ignore) {
			continue
		}
		if matchesAny(base, bad) {
			return f
		}
	}
	return ""
}

func matchesAny(base string, list []string) bool {
	for _, item := range list {
		if base == strings.ToLower(item) {
			return true
		}
	}
	return false
}

func (s *Scanner) ignored(identifier string) bool {
	for _, id := range s.settings.GetList("radar_ignored_servers") {
		if id == identifier {
			return true
		}
	}
	return false
}

// ScanServer inspects one server, records the verdict, and suspends on
// danger. A server that cannot be inspected is classified danger: an
// unreachable server is never assumed clean.
func (s *Scanner) ScanServer(ctx context.Context, server *models.ActiveServer) (*models.RadarResult, error) {
	result := models.RadarResult{
		ServerID:  server.ID,
		ScannedAt: time.Now(),
	}

	util, err := s.panel.GetUtilization(ctx, server.PteroIdentifier)
	if err != nil {
		result.Classification = models.RadarDanger
		result.Reason = "server could not be inspected: " + err.Error()
		s.record(ctx, server, &result, false)
		return &result, nil
	}

	sample := Sample{}
	if server.Plan.CPU > 0 {
		sample.CPUPercent = util.CPUPercent / float64(server.Plan.CPU) * 100
	}
	if server.Plan.Disk > 0 {
		sample.DiskPercent = float64(util.DiskBytes) / (float64(server.Plan.Disk) * 1024 * 1024) * 100
	}

	depth := s.settings.GetInt("radar_scan_depth", 3)
	var files []string
	walkErr := s.panel.WalkFiles(ctx, server.PteroIdentifier, depth, func(p string, e pterodactyl.FileEntry) {
		if e.IsFile {
			files = append(files, p)
		}
	})
	if walkErr != nil {
		result.Classification = models.RadarDanger
		result.Reason = "file scan failed: " + walkErr.Error()
		result.CPUPercent = sample.CPUPercent
		result.DiskPercent = sample.DiskPercent
		s.record(ctx, server, &result, false)
		return &result, nil
	}
	sample.SuspiciousFile = s.suspiciousIn(files)

	result.Classification, result.Reason = s.Classify(sample)
	result.CPUPercent = sample.CPUPercent
	result.DiskPercent = sample.DiskPercent
	s.record(ctx, server, &result, true)
	return &result, nil
}

// record stores the verdict and alerts on danger. enforce gates the
// automatic suspend: inspection failures classify danger but never suspend,
// since a panel hiccup is not evidence of abuse.
func (s *Scanner) record(ctx context.Context, server *models.ActiveServer, result *models.RadarResult, enforce bool) {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"classification", "cpu_percent", "disk_percent", "reason", "scanned_at",
		}),
	}).Create(result).Error
	if err != nil {
		logrus.WithError(err).Errorf("Failed to store radar result for server %d", server.ID)
	}

	metrics.RadarScans.WithLabelValues(result.Classification).Inc()
	if result.Classification == models.RadarDanger {
		if enforce {
			s.suspend(ctx, server, result.Reason)
		}
		s.notifier.Notify(ctx, notify.Event{
			Title: "Radar flagged a server",
			Body:  result.Reason,
			Level: "warning",
			Fields: map[string]string{
				"server":     server.Name,
				"identifier": server.PteroIdentifier,
			},
		})
	}
}

// suspend enforces a danger verdict: panel suspend first, local state after,
// so a panel failure leaves the server marked active for the next sweep.
func (s *Scanner) suspend(ctx context.Context, server *models.ActiveServer, reason string) {
	if server.Status != models.ServerActive || server.PteroServerID == nil {
		return
	}

	if err := s.panel.Suspend(ctx, *server.PteroServerID); err != nil {
		logrus.WithError(err).Errorf("Radar could not suspend server %d", server.ID)
		return
	}

	now := time.Now()
	err := s.db.Model(&models.ActiveServer{}).
		Where("id = ? AND status = ?", server.ID, models.ServerActive).
		Updates(map[string]interface{}{
			"status":       models.ServerSuspended,
			"suspended_at": now,
		}).Error
	if err != nil {
		logrus.WithError(err).Errorf("Radar suspended server %d on the panel but could not mark it locally", server.ID)
		return
	}
	server.Status = models.ServerSuspended
	server.SuspendedAt = &now

	metrics.ServersSuspended.Inc()
	logrus.WithFields(logrus.Fields{
		"server": server.ID,
		"reason": reason,
	}).Warn("Radar suspended a server")
}

// ScanAll sweeps every active server. One server's failure never stops the
// sweep. Without client API credentials the sweep is skipped entirely; an
// unconfigured radar must stay quiet, not page anyone.
func (s *Scanner) ScanAll(ctx context.Context) error {
	if !s.panel.ClientAPIConfigured() {
		logrus.Debug("Radar skipped, panel client API is not configured")
		return nil
	}

	var servers []models.ActiveServer
	if err := s.db.Preload("Plan").
		Where("status = ? AND ptero_identifier <> ''", models.ServerActive).
		Find(&servers).Error; err != nil {
		return fmt.Errorf("radar: list servers: %w", err)
	}

	for i := range servers {
		if s.ignored(servers[i].PteroIdentifier) {
			continue
		}
		if _, err := s.ScanServer(ctx, &servers[i]); err != nil {
			logrus.WithError(err).Errorf("Radar scan failed for server %d", servers[i].ID)
		}
	}

	logrus.WithField("servers", len(servers)).Debug("Radar sweep finished")
	return nil
}
