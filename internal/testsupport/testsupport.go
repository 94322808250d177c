package testsupport

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pulse/internal/config"
	"pulse/internal/database"
	"pulse/internal/events"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

var _ cartridge.DBManager = (*TestDBManager)(nil)

// SetupTestDB creates a test database with all models migrated.
// Uses a named in-memory database with cache=shared so that every connection
// of the pool sees the same data. Databases are cached by root test name.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", rootName, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	// Shared-cache in-memory databases lock per table; one connection keeps
	// concurrent test writers from tripping over SQLITE_LOCKED.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestDBManager creates a test DB manager and logger.
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	t.Helper()
	return NewTestDBManager(SetupTestDB(t)), GetLogger()
}

// TestConfig returns a configuration for the test environment.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PULSE_ENV", config.Test)
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

// NewTestApp builds a cartridge server for the test environment, mounts
// routes on it and returns the fiber app for app.Test requests.
func NewTestApp(t *testing.T, db *gorm.DB, mount func(*cartridge.Server)) *fiber.App {
	t.Helper()

	cfg := cartridge.DefaultServerConfig()
	cfg.Config = TestConfig(t)
	cfg.Logger = GetLogger()
	cfg.DBManager = NewTestDBManager(db)
	// Tests drive the server without a browser, so there is no Sec-Fetch-Site header.
	cfg.EnableSecFetchSite = false

	srv, err := cartridge.NewServer(cfg)
	require.NoError(t, err)

	mount(srv)
	return srv.App()
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// CleanAllTables clears all non-system tables in the database
func CleanAllTables(db *gorm.DB) {
	var tableNames []string
	db.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tableNames)

	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tableNames {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// EventOption customises an event built by NewEvent.
type EventOption func(*events.Event)

// NewEvent builds an unsaved pageview for site 1 at the given time.
func NewEvent(sessionID, path string, at time.Time, opts ...EventOption) *events.Event {
	event := &events.Event{
		SiteID:      1,
		SessionID:   sessionID,
		VisitorHash: "visitor-" + sessionID,
		EventType:   events.EventTypePageView,
		Path:        path,
		Attribution: events.Attribution{ReferrerHostname: events.DirectReferrer},
		Device: events.Device{
			DeviceType:      "desktop",
			Browser:         "chrome",
			OperatingSystem: "Windows",
			Country:         "us",
		},
		Timestamp: at.UTC(),
	}
	for _, opt := range opts {
		opt(event)
	}
	return event
}

// WithType sets the event type and name.
func WithType(eventType events.EventType, name string) EventOption {
	return func(e *events.Event) {
		e.EventType = eventType
		e.EventName = name
	}
}

// WithData sets event_data.
func WithData(data map[string]any) EventOption {
	return func(e *events.Event) {
		e.EventData = datatypes.JSONMap(data)
	}
}

// WithVisitor sets the visitor hash.
func WithVisitor(hash string) EventOption {
	return func(e *events.Event) {
		e.VisitorHash = hash
	}
}

// WithSite sets the site id.
func WithSite(siteID uint) EventOption {
	return func(e *events.Event) {
		e.SiteID = siteID
	}
}

// WithRevenue sets revenue and currency.
func WithRevenue(amount float64, currency string) EventOption {
	return func(e *events.Event) {
		e.Revenue = amount
		e.Currency = currency
	}
}

// WithEngagement sets scroll depth and engaged time.
func WithEngagement(scrollPct int, engagedMs int64) EventOption {
	return func(e *events.Event) {
		e.ScrollDepthPct = scrollPct
		e.EngagedTimeMs = engagedMs
	}
}

// CreateEvent inserts an event built by NewEvent.
func CreateEvent(t *testing.T, db *gorm.DB, sessionID, path string, at time.Time, opts ...EventOption) *events.Event {
	t.Helper()
	event := NewEvent(sessionID, path, at, opts...)
	require.NoError(t, events.Insert(GetLogger(), db, event))
	return event
}
