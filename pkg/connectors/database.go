package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/models"
)

const defaultPostgresPort = 5432

// DatabaseConnector runs SQL against Postgres targets over TLS. Queries
// returning more rows than the configured cap fail rather than truncate
// silently; runbook authors must page or aggregate.
type DatabaseConnector struct {
	rowCap int
}

// NewDatabaseConnector builds the database connector from config.
func NewDatabaseConnector(cfg config.ConnectorsConfig) *DatabaseConnector {
	return &DatabaseConnector{rowCap: cfg.DatabaseRowCap}
}

// Kind identifies this connector.
func (c *DatabaseConnector) Kind() models.ConnectorKind { return models.ConnectorDatabase }

// Execute runs the command as SQL. The target's service field names the
// database; the credential supplies user and password.
func (c *DatabaseConnector) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	if req.DryRun {
		return dryRunResult(start, fmt.Sprintf("would run sql on %s: %s",
			addr(req.Target.Host, req.Target.Port, defaultPostgresPort), req.Command)), nil
	}

	conn, err := c.connect(ctx, req)
	if err != nil {
		return classifyDatabaseError(ctx, start, err), nil
	}
	defer conn.Close(context.Background())

	if isRowReturning(req.Command) {
		return c.query(ctx, start, conn, req)
	}
	return c.exec(ctx, start, conn, req)
}

func (c *DatabaseConnector) connect(ctx context.Context, req *Request) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(fmt.Sprintf(
		"host=%s port=%d dbname=%s sslmode=require connect_timeout=10",
		req.Target.Host, portOrDefault(req.Target.Port, defaultPostgresPort), req.Target.Service))
	if err != nil {
		return nil, err
	}
	cfg.User = req.Credential.Username
	if err := req.Credential.Use(func(secret []byte) error {
		cfg.Password = string(secret)
		return nil
	}); err != nil {
		return nil, err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	cfg.Password = ""
	return conn, err
}

func (c *DatabaseConnector) query(ctx context.Context, start time.Time, conn *pgx.Conn, req *Request) (*Result, error) {
	rows, err := conn.Query(ctx, req.Command)
	if err != nil {
		return classifyDatabaseError(ctx, start, err), nil
	}
	defer rows.Close()

	var out strings.Builder
	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	out.WriteString(strings.Join(names, "\t") + "\n")

	count := 0
	for rows.Next() {
		count++
		if count > c.rowCap {
			return failure(start, models.ErrKindValidation,
				"query exceeded the %d row cap", c.rowCap), nil
		}
		vals, err := rows.Values()
		if err != nil {
			return classifyDatabaseError(ctx, start, err), nil
		}
		cells := make([]string, len(vals))
		for i, v := range vals {
			cells[i] = fmt.Sprint(v)
		}
		out.WriteString(strings.Join(cells, "\t") + "\n")
	}
	if err := rows.Err(); err != nil {
		return classifyDatabaseError(ctx, start, err), nil
	}

	res := &Result{
		Success:  true,
		Stdout:   out.String(),
		Duration: time.Since(start),
	}
	if req.OnOutput != nil {
		req.OnOutput("stdout", []byte(res.Stdout))
	}
	return res, nil
}

func (c *DatabaseConnector) exec(ctx context.Context, start time.Time, conn *pgx.Conn, req *Request) (*Result, error) {
	tag, err := conn.Exec(ctx, req.Command)
	if err != nil {
		return classifyDatabaseError(ctx, start, err), nil
	}
	res := &Result{
		Success:  true,
		Stdout:   fmt.Sprintf("%s (%d rows affected)\n", tag.String(), tag.RowsAffected()),
		Duration: time.Since(start),
	}
	if req.OnOutput != nil {
		req.OnOutput("stdout", []byte(res.Stdout))
	}
	return res, nil
}

// isRowReturning decides Query vs Exec by the leading keyword.
func isRowReturning(sql string) bool {
	head := strings.ToLower(strings.TrimSpace(sql))
	return strings.HasPrefix(head, "select") ||
		strings.HasPrefix(head, "with") ||
		strings.HasPrefix(head, "show") ||
		strings.Contains(strings.ToLower(sql), "returning")
}

func classifyDatabaseError(ctx context.Context, start time.Time, err error) *Result {
	if ctx.Err() != nil {
		return timeoutOrCancel(ctx, start)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 28 covers authentication failures.
		if strings.HasPrefix(pgErr.Code, "28") {
			return failure(start, models.ErrKindCredential, "database authentication failed: %s", pgErr.Message)
		}
		r := failure(start, models.ErrKindConnectorPermanent, "sql failed: %s (%s)", pgErr.Message, pgErr.Code)
		r.ExitCode = 1
		return r
	}
	return failure(start, models.ErrKindConnectorTransient, "database connection failed: %v", err)
}

func portOrDefault(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}
