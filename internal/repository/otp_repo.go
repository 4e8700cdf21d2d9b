package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"account-api/internal/domain"
)

// OtpRepository define el contrato de persistencia para codigos OTP
// pendientes. La restriccion unica sobre email garantiza a lo sumo un
// registro vivo por direccion.
type OtpRepository interface {
	Upsert(ctx context.Context, rec domain.OtpRecord) error
	GetByEmail(ctx context.Context, email string) (domain.OtpRecord, error)
	DeleteByEmail(ctx context.Context, email string) error
	DeleteByID(ctx context.Context, id string) (domain.OtpRecord, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// PgOtpRepository implementa OtpRepository usando pgxpool.
type PgOtpRepository struct {
	pool *pgxpool.Pool
}

func NewPgOtpRepository(pool *pgxpool.Pool) *PgOtpRepository {
	return &PgOtpRepository{pool: pool}
}

func (r *PgOtpRepository) Upsert(ctx context.Context, rec domain.OtpRecord) error {
	const query = `
		INSERT INTO user_otps (id, email, code_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE
		SET code_hash = EXCLUDED.code_hash,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at
	`
	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.Email,
		rec.CodeHash,
		rec.ExpiresAt,
		rec.CreatedAt,
	)
	return err
}

func (r *PgOtpRepository) GetByEmail(ctx context.Context, email string) (domain.OtpRecord, error) {
	const query = `
		SELECT id, email, code_hash, expires_at, created_at
		FROM user_otps
		WHERE email = $1
	`
	var rec domain.OtpRecord
	err := r.pool.QueryRow(ctx, query, email).Scan(
		&rec.ID,
		&rec.Email,
		&rec.CodeHash,
		&rec.ExpiresAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return domain.OtpRecord{}, err
	}
	return rec, nil
}

func (r *PgOtpRepository) DeleteByEmail(ctx context.Context, email string) error {
	const query = `DELETE FROM user_otps WHERE email = $1`
	_, err := r.pool.Exec(ctx, query, email)
	return err
}

func (r *PgOtpRepository) DeleteByID(ctx context.Context, id string) (domain.OtpRecord, error) {
	const query = `
		DELETE FROM user_otps
		WHERE id = $1
		RETURNING id, email, code_hash, expires_at, created_at
	`
	var rec domain.OtpRecord
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Email,
		&rec.CodeHash,
		&rec.ExpiresAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return domain.OtpRecord{}, err
	}
	return rec, nil
}

func (r *PgOtpRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM user_otps WHERE expires_at < $1`
	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
