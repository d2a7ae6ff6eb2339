package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/tenant"
)

type (
	// Store implements store.Store on a GORM PostgreSQL connection.
	Store struct {
		db *gorm.DB
	}

	// tx is one transaction's view; it implements store.Tx.
	tx struct {
		db       *gorm.DB
		readOnly bool
	}
)

// Open connects to PostgreSQL and returns a migrated store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db)
}

// New wraps an existing GORM connection. TranslateError must be enabled on
// the connection so duplicate-key violations surface as CONFLICT.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&workflowModel{}, &versionModel{}, &groupModel{}, &flowModel{},
		&activationModel{}, &executionModel{}, &evidenceModel{},
		&validityModel{}, &detourModel{}, &blockModel{},
		&changeRequestModel{}, &fanOutRuleModel{}, &policyModel{},
		&jobModel{}, &assignmentModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// View runs fn with a read-only REPEATABLE READ transaction.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&tx{db: g, readOnly: true})
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

// Update runs fn with a read-write REPEATABLE READ transaction, committing
// only when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&tx{db: g})
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
}

func (t *tx) Workflows() store.WorkflowRepo           { return &workflowRepo{t} }
func (t *tx) Versions() store.VersionRepo             { return &versionRepo{t} }
func (t *tx) Groups() store.GroupRepo                 { return &groupRepo{t} }
func (t *tx) Flows() store.FlowRepo                   { return &flowRepo{t} }
func (t *tx) Activations() store.ActivationRepo       { return &activationRepo{t} }
func (t *tx) Executions() store.ExecutionRepo         { return &executionRepo{t} }
func (t *tx) Evidence() store.EvidenceRepo            { return &evidenceRepo{t} }
func (t *tx) Validity() store.ValidityRepo            { return &validityRepo{t} }
func (t *tx) Detours() store.DetourRepo               { return &detourRepo{t} }
func (t *tx) Blocks() store.BlockRepo                 { return &blockRepo{t} }
func (t *tx) ChangeRequests() store.ChangeRequestRepo { return &changeRequestRepo{t} }
func (t *tx) FanOutRules() store.FanOutRuleRepo       { return &fanOutRuleRepo{t} }
func (t *tx) Policies() store.PolicyRepo              { return &policyRepo{t} }
func (t *tx) Jobs() store.JobRepo                     { return &jobRepo{t} }
func (t *tx) Assignments() store.AssignmentRepo       { return &assignmentRepo{t} }

// Name implements clue's health.Pinger.
func (s *Store) Name() string { return "postgres" }

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// scope resolves the tenant scope, failing writes on read-only transactions.
func (t *tx) scope(ctx context.Context, write bool) (tenant.Scope, error) {
	if write && t.readOnly {
		return tenant.Scope{}, flowerr.New(flowerr.CodeInternal, "write attempted on read-only transaction")
	}
	return tenant.Require(ctx)
}

// translate maps GORM errors onto the engine taxonomy. notFound supplies the
// code for missing rows.
func translate(err error, notFound flowerr.Code, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return flowerr.New(notFound, what+" not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return flowerr.New(flowerr.CodeConflict, what+" already exists")
	default:
		return flowerr.Wrap(flowerr.CodeInternal, what+" query failed", err)
	}
}

// checkCompany enforces tenant isolation on a loaded row.
func checkCompany(sc tenant.Scope, companyID string) error {
	return tenant.Check(sc, companyID)
}
