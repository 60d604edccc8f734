package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// loads the postgres driver
	_ "github.com/lib/pq"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lopezator/migrator"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/types"
	"github.com/meow-io/go-courier/wire"
	"github.com/xo/dburl"
	"go.uber.org/zap"
)

type envelopeRow struct {
	AccountID string    `db:"account_id"`
	DeviceID  int16     `db:"device_id"`
	GUID      string    `db:"guid"`
	ServerTs  int64     `db:"server_ts"`
	Body      []byte    `db:"body"`
	ExpiresAt time.Time `db:"expires_at"`
}

type Postgres struct {
	log       *zap.SugaredLogger
	db        *sqlx.DB
	clock     clock.Clock
	retention time.Duration
}

func NewPostgres(c *config.Config, cl clock.Clock) (*Postgres, error) {
	log := c.Logger("store/postgres")

	log.Debug("opening database connection")
	rawDB, err := dburl.Open(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: error opening database: %w", err)
	}
	db := sqlx.NewDb(rawDB, "postgres")

	migrate, err := migrator.New(
		migrator.Migrations(
			&migrator.Migration{
				Name: "Create envelopes table",
				Func: func(tx *sql.Tx) error {
					_, err := tx.Exec(`

    CREATE TABLE envelopes (
      account_id UUID NOT NULL,
      device_id SMALLINT NOT NULL,
      guid UUID NOT NULL,
      server_ts BIGINT NOT NULL,
      body BYTEA NOT NULL,
      expires_at TIMESTAMPTZ NOT NULL,
      PRIMARY KEY(account_id, device_id, guid)
    );
    CREATE INDEX envelopes_page_idx ON envelopes (account_id, device_id, server_ts, guid);
    CREATE INDEX envelopes_expires_idx ON envelopes (expires_at);

              `)
					return err
				},
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("store: error creating migrations: %w", err)
	}

	log.Debug("running migrations")
	if err := migrate.Migrate(db.DB); err != nil {
		return nil, fmt.Errorf("store: error migrating: %w", err)
	}

	return &Postgres{
		log:       log,
		db:        db,
		clock:     cl,
		retention: retention(c.RetentionDays),
	}, nil
}

func (p *Postgres) Put(ctx context.Context, addr types.Address, env *wire.Envelope) (bool, error) {
	body, err := wire.EncodeEnvelope(env)
	if err != nil {
		return false, err
	}
	row := &envelopeRow{
		AccountID: addr.Account.String(),
		DeviceID:  int16(addr.Device),
		GUID:      env.ServerGUID.String(),
		ServerTs:  int64(env.ServerTimestamp),
		Body:      body,
		ExpiresAt: p.clock.Now().Add(p.retention),
	}
	res, err := p.db.NamedExecContext(ctx, `
		INSERT INTO envelopes (account_id, device_id, guid, server_ts, body, expires_at)
		VALUES (:account_id, :device_id, :guid, :server_ts, :body, :expires_at)
		ON CONFLICT DO NOTHING`, row)
	if err != nil {
		return false, fmt.Errorf("store: error inserting envelope: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *Postgres) Remove(ctx context.Context, addr types.Address, guid uuid.UUID) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM envelopes WHERE account_id = $1 AND device_id = $2 AND guid = $3`,
		addr.Account.String(), int16(addr.Device), guid.String())
	if err != nil {
		return false, fmt.Errorf("store: error removing envelope: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *Postgres) FetchPage(ctx context.Context, addr types.Address, limit int, after uuid.UUID) ([]*wire.Envelope, error) {
	var rows []*envelopeRow
	var err error
	if after == uuid.Nil {
		err = p.db.SelectContext(ctx, &rows, `
			SELECT * FROM envelopes WHERE account_id = $1 AND device_id = $2
			ORDER BY server_ts, guid LIMIT $3`,
			addr.Account.String(), int16(addr.Device), limit)
	} else {
		err = p.db.SelectContext(ctx, &rows, `
			SELECT * FROM envelopes WHERE account_id = $1 AND device_id = $2
			AND (server_ts, guid) > (
				SELECT server_ts, guid FROM envelopes
				WHERE account_id = $1 AND device_id = $2 AND guid = $3)
			ORDER BY server_ts, guid LIMIT $4`,
			addr.Account.String(), int16(addr.Device), after.String(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: error fetching page: %w", err)
	}

	envs := make([]*wire.Envelope, 0, len(rows))
	for _, row := range rows {
		env, err := wire.DecodeEnvelope(row.Body)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (p *Postgres) Clear(ctx context.Context, addr types.Address) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM envelopes WHERE account_id = $1 AND device_id = $2`,
		addr.Account.String(), int16(addr.Device))
	if err != nil {
		return 0, fmt.Errorf("store: error clearing envelopes: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) SweepExpired(ctx context.Context, limit int64) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM envelopes WHERE ctid IN (
			SELECT ctid FROM envelopes WHERE expires_at <= $1 LIMIT $2)`,
		p.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("store: error sweeping expired envelopes: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
