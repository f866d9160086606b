package apprecord

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	appRecordTable = "app_records"
	upsertBatch    = 1000
)

type Row struct {
	Catalog   string                           `db:"catalog"`
	ID        string                           `db:"id"`
	Platform  string                           `db:"platform"`
	Name      string                           `db:"name"`
	Developer string                           `db:"developer"`
	Record      database.JSONB[models.AppRecord] `db:"record"`
	Fingerprint string                           `db:"fingerprint"`
	CreatedAt time.Time                        `db:"created_at"`
	UpdatedAt time.Time                        `db:"updated_at"`
}

func fromRecord(catalog string, rec models.AppRecord, now time.Time) (Row, error) {
	rec.Catalog = catalog
	rec.Derived = models.Derived{}
	fp, err := fingerprint.Record(rec)
	if err != nil {
		return Row{}, err
	}
	return Row{
		Catalog:   catalog,
		ID:        rec.ID,
		Platform:  string(rec.Platform),
		Name:      rec.Name,
		Developer: rec.Developer,
		Record:      database.JSONB[models.AppRecord]{Data: rec},
		Fingerprint: fp,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Repository reads and writes catalog records
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes the records of one catalog in a single transaction. Derived
// fields are never stored.
func (r *Repository) Upsert(ctx context.Context, catalog string, records []models.AppRecord) error {
	ctx, span := tracing.StartSpan(ctx, "apprecord.Repository.Upsert")
	defer span.End()
	defer metrics.ObserveQuery("apprecord_upsert", time.Now())

	if len(records) == 0 {
		return nil
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for start := 0; start < len(records); start += upsertBatch {
		end := min(start+upsertBatch, len(records))

		ib := database.NewInsertBuilder()
		ib.InsertInto(appRecordTable)
		ib.Cols("catalog", "id", "platform", "name", "developer", "record", "fingerprint", "created_at", "updated_at")
		for _, rec := range records[start:end] {
			row, err := fromRecord(catalog, rec, now)
			if err != nil {
				return httperror.NewHTTPError(http.StatusBadRequest, "record "+rec.ID+" cannot be fingerprinted")
			}
			ib.Values(row.Catalog, row.ID, row.Platform, row.Name, row.Developer, row.Record, row.Fingerprint, row.CreatedAt, row.UpdatedAt)
		}
		ib.OnConflictReplace([]string{"catalog", "id"}, "platform", "name", "developer", "record", "fingerprint", "updated_at")

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"catalog": catalog,
				"records": end - start,
			}).Error("Failed to upsert app records")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert app records")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit app records")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"catalog": catalog,
		"records": len(records),
	}).Info("Imported app records")
	return nil
}

// List returns every record of a catalog ordered by id
func (r *Repository) List(ctx context.Context, catalog string) ([]models.AppRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "apprecord.Repository.List")
	defer span.End()
	defer metrics.ObserveQuery("apprecord_list", time.Now())

	sb := database.NewSelectBuilder()
	sb.Select("record")
	sb.From(appRecordTable)
	sb.Where(sb.Equal("catalog", catalog))
	sb.OrderBy("id")

	query, args := sb.Build()
	var rows []struct {
		Record database.JSONB[models.AppRecord] `db:"record"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("catalog", catalog).Error("Failed to list app records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list app records")
	}

	records := make([]models.AppRecord, len(rows))
	for i, row := range rows {
		records[i] = row.Record.GetValue()
	}
	return records, nil
}

// IDs returns the set of record ids in a catalog
func (r *Repository) IDs(ctx context.Context, catalog string) (map[string]struct{}, error) {
	ctx, span := tracing.StartSpan(ctx, "apprecord.Repository.IDs")
	defer span.End()
	defer metrics.ObserveQuery("apprecord_ids", time.Now())

	sb := database.NewSelectBuilder()
	sb.Select("id")
	sb.From(appRecordTable)
	sb.Where(sb.Equal("catalog", catalog))

	query, args := sb.Build()
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("catalog", catalog).Error("Failed to list app record ids")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list app record ids")
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Fingerprints returns the stored content fingerprint of every record in a catalog
func (r *Repository) Fingerprints(ctx context.Context, catalog string) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "apprecord.Repository.Fingerprints")
	defer span.End()
	defer metrics.ObserveQuery("apprecord_fingerprints", time.Now())

	sb := database.NewSelectBuilder()
	sb.Select("id", "fingerprint")
	sb.From(appRecordTable)
	sb.Where(sb.Equal("catalog", catalog))

	query, args := sb.Build()
	var rows []struct {
		ID          string `db:"id"`
		Fingerprint string `db:"fingerprint"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("catalog", catalog).Error("Failed to list app record fingerprints")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list app record fingerprints")
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.ID] = row.Fingerprint
	}
	return out, nil
}

// Changed drops the records whose content matches the stored fingerprint
func Changed(catalog string, records []models.AppRecord, stored map[string]string) ([]models.AppRecord, error) {
	changed := make([]models.AppRecord, 0, len(records))
	for _, rec := range records {
		rec.Catalog = catalog
		fp, err := fingerprint.Record(rec)
		if err != nil {
			return nil, err
		}
		if prev, ok := stored[rec.ID]; ok && prev == fp {
			continue
		}
		changed = append(changed, rec)
	}
	return changed, nil
}
