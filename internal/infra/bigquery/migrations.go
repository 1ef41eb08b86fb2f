package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/fraud-monitor/internal/logger"
	"google.golang.org/api/iterator"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrationPattern matches migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is a single versioned SQL file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Target names the project, dataset and table migrations are rendered for.
type Target struct {
	ProjectID string
	DatasetID string
	TableID   string
}

// Migrator applies the embedded migrations and records them in
// schema_migrations.
type Migrator struct {
	client    *bigquery.Client
	target    Target
	appliedBy string
	files     fs.FS
}

// NewMigrator creates a migrator over the migrations embedded in the binary.
func NewMigrator(client *bigquery.Client, target Target, appliedBy string) *Migrator {
	sub, _ := fs.Sub(embeddedMigrations, "migrations")
	return &Migrator{client: client, target: target, appliedBy: appliedBy, files: sub}
}

// Pending lists migrations not yet recorded in schema_migrations.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	if err := m.ensureSchemaMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("Pending: %w", err)
	}

	all, err := ReadMigrations(m.files, m.target)
	if err != nil {
		return nil, fmt.Errorf("Pending: %w", err)
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("Pending: %w", err)
	}

	return pendingMigrations(all, applied), nil
}

// Apply runs every pending migration in version order and returns the number applied.
func (m *Migrator) Apply(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)

	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("Apply: %w", err)
	}

	for i, mig := range pending {
		log.Info().
			Int("version", mig.Version).
			Str("name", mig.Name).
			Msg("Applying migration")

		if err := m.runQuery(ctx, mig.SQL, nil); err != nil {
			return i, fmt.Errorf("Apply: executing %s: %w", mig.Filename, err)
		}
		if err := m.recordMigration(ctx, mig); err != nil {
			return i, fmt.Errorf("Apply: recording %s: %w", mig.Filename, err)
		}
	}

	return len(pending), nil
}

// ReadMigrations parses migration files from fsys, renders the target
// placeholders and sorts them by version. Files not matching the naming
// pattern are skipped.
func ReadMigrations(fsys fs.FS, target Target) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("ReadMigrations: reading directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("ReadMigrations: reading %s: %w", entry.Name(), err)
		}

		// checksum covers the template, so the same migration applied to
		// different datasets records the same value
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: entry.Name(),
			SQL:      renderMigration(string(content), target),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("ReadMigrations: duplicate version %04d", migrations[i].Version)
		}
	}

	return migrations, nil
}

func renderMigration(sql string, target Target) string {
	return strings.NewReplacer(
		"{{PROJECT_ID}}", target.ProjectID,
		"{{DATASET_ID}}", target.DatasetID,
		"{{TABLE_ID}}", target.TableID,
	).Replace(sql)
}

func pendingMigrations(all []Migration, applied []AppliedMigration) []Migration {
	done := make(map[int]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}

	var pending []Migration
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

func (m *Migrator) schemaMigrationsTable() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", m.target.ProjectID, m.target.DatasetID)
}

func (m *Migrator) ensureSchemaMigrationsTable(ctx context.Context) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, m.schemaMigrationsTable())

	if err := m.runQuery(ctx, sql, nil); err != nil {
		return fmt.Errorf("ensuring schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	q := m.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, m.schemaMigrationsTable()))

	it, err := q.Read(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}

		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating applied migrations: %w", err)
		}

		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}

	return applied, nil
}

func (m *Migrator) recordMigration(ctx context.Context, mig Migration) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, m.schemaMigrationsTable())

	return m.runQuery(ctx, sql, []bigquery.QueryParameter{
		{Name: "version", Value: mig.Version},
		{Name: "name", Value: mig.Name},
		{Name: "checksum", Value: mig.Checksum},
		{Name: "applied_by", Value: m.appliedBy},
	})
}

func (m *Migrator) runQuery(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := m.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
