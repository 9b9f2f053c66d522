// Package source reads patients and receptions from the Postgres replica of
// the IDENT database. Everything here is read-only.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ident-sync/internal/db"
	"github.com/sells-group/ident-sync/internal/model"
)

// ErrNotFound is returned by FetchReception for an unknown id.
var ErrNotFound = errors.New("source: reception not found")

// patientDeleted is the IDENT Patients.Status value for removed cards.
const patientDeleted = 3

// Source is the read surface the sync engine consumes. A nil since means
// "every record".
type Source interface {
	FetchPatients(ctx context.Context, since *time.Time) ([]model.Patient, error)
	FetchReceptions(ctx context.Context, since *time.Time) ([]model.Reception, error)
	FetchReception(ctx context.Context, id int64) (*model.Reception, error)
	CompletedReceptionCount(ctx context.Context, patientID, excludingReceptionID int64) (int, error)
	Ping(ctx context.Context) error
}

// PostgresSource implements Source over a pgx pool.
type PostgresSource struct {
	pool db.Pool
	q    queries
}

type queries struct {
	patients   string
	receptions string
	reception  string
	completed  string
}

// New returns a Source reading tables in the given schema.
func New(pool db.Pool, schema string) *PostgresSource {
	return &PostgresSource{pool: pool, q: buildQueries(schema)}
}

func buildQueries(schema string) queries {
	if schema == "" {
		schema = "ident"
	}
	s := pgx.Identifier{schema}.Sanitize()
	t := func(name string) string { return s + "." + name }

	patientCols := `p.id_patients, p.patient_number, per.surname, per.name, per.patronymic,
		per.phone, per.mobile_phone, per.email, per.birthday, per.sex, p.card_number,
		p.comment, b.name,
		GREATEST(p.date_time_changed, COALESCE(per.date_time_changed, p.date_time_changed))`

	patientJoins := fmt.Sprintf(`LEFT JOIN %s per ON per.id = p.id_persons
		LEFT JOIN %s b ON b.id = p.id_branches`, t("persons"), t("branches"))

	// Completed visits live in receptions; the schedule holds the rest until
	// IDENT moves them over, so a schedule row with a receptions twin is skipped.
	// Schedule rows get a receptions id only once IDENT assigns one.
	visits := fmt.Sprintf(`SELECT r.id, r.id_patients, r.date_time_start AS at, 'completed' AS status,
			r.id_staffs, r.service_name, r.cost, r.length, r.comment, r.date_time_changed AS last_modified
		FROM %[1]s r
		UNION ALL
		SELECT sr.id_receptions, sr.id_patients, sr.plan_start,
			CASE
				WHEN sr.id_reception_cancel_reasons IS NOT NULL THEN 'cancelled'
				WHEN sr.patient_not_came THEN 'no_show'
				ELSE 'scheduled'
			END,
			sr.id_staffs, sr.service_name, sr.cost, sr.length, sr.comment,
			GREATEST(sr.date_time_added, COALESCE(sr.date_time_changed, sr.date_time_added))
		FROM %[2]s sr
		WHERE sr.id_receptions IS NULL
		   OR NOT EXISTS (SELECT 1 FROM %[1]s r2 WHERE r2.id = sr.id_receptions)`,
		t("receptions"), t("scheduled_receptions"))

	receptionSelect := fmt.Sprintf(`SELECT v.id, v.id_patients, v.at, v.status,
			NULLIF(TRIM(CONCAT_WS(' ', st.surname, st.name)), ''), v.service_name, v.cost, v.length,
			v.comment, v.last_modified, %s
		FROM (%s) v
		JOIN %s p ON p.id_patients = v.id_patients
		%s
		LEFT JOIN %s st ON st.id = v.id_staffs
		WHERE p.status <> %d`,
		patientCols, visits, t("patients"), patientJoins, t("staffs"), patientDeleted)

	return queries{
		patients: fmt.Sprintf(`SELECT %s
			FROM %s p
			%s
			WHERE p.status <> %d
			  AND ($1::timestamptz IS NULL
			       OR p.date_time_changed >= $1 OR per.date_time_changed >= $1)
			ORDER BY p.id_patients`,
			patientCols, t("patients"), patientJoins, patientDeleted),
		receptions: receptionSelect + `
			AND ($1::timestamptz IS NULL OR v.last_modified >= $1)
			ORDER BY v.last_modified, v.id`,
		reception: receptionSelect + `
			AND v.id = $1`,
		completed: fmt.Sprintf(`SELECT count(*) FROM %s
			WHERE id_patients = $1 AND id <> $2`, t("receptions")),
	}
}

// FetchPatients returns non-deleted patients whose card or person row changed
// at or after since.
func (s *PostgresSource) FetchPatients(ctx context.Context, since *time.Time) ([]model.Patient, error) {
	rows, err := s.pool.Query(ctx, s.q.patients, since)
	if err != nil {
		return nil, eris.Wrap(err, "source: fetch patients")
	}
	defer rows.Close()

	var out []model.Patient
	for rows.Next() {
		var pr patientRow
		if err := rows.Scan(pr.dest()...); err != nil {
			return nil, eris.Wrap(err, "source: scan patient")
		}
		out = append(out, pr.patient())
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "source: iterate patients")
	}
	return out, nil
}

// FetchReceptions returns visits modified at or after since, oldest first,
// each with its patient attached.
func (s *PostgresSource) FetchReceptions(ctx context.Context, since *time.Time) ([]model.Reception, error) {
	rows, err := s.pool.Query(ctx, s.q.receptions, since)
	if err != nil {
		return nil, eris.Wrap(err, "source: fetch receptions")
	}
	defer rows.Close()

	var out []model.Reception
	for rows.Next() {
		r, err := scanReception(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "source: iterate receptions")
	}
	return out, nil
}

// FetchReception loads one visit by id.
func (s *PostgresSource) FetchReception(ctx context.Context, id int64) (*model.Reception, error) {
	r, err := scanReception(s.pool.QueryRow(ctx, s.q.reception, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "source: fetch reception %d", id)
	}
	return r, nil
}

// CompletedReceptionCount counts the patient's completed visits other than
// excludingReceptionID.
func (s *PostgresSource) CompletedReceptionCount(ctx context.Context, patientID, excludingReceptionID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, s.q.completed, patientID, excludingReceptionID).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "source: completed count for patient %d", patientID)
	}
	return n, nil
}

// Ping checks connectivity.
func (s *PostgresSource) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return eris.Wrap(err, "source: ping")
	}
	return nil
}

type patientRow struct {
	id                            int64
	number, surname, name, patron *string
	phone, mobile, email          *string
	birthday                      *time.Time
	sex                           *int16
	card, comment, branch         *string
	changed                       time.Time
}

func (p *patientRow) dest() []any {
	return []any{&p.id, &p.number, &p.surname, &p.name, &p.patron,
		&p.phone, &p.mobile, &p.email, &p.birthday, &p.sex, &p.card,
		&p.comment, &p.branch, &p.changed}
}

func (p *patientRow) patient() model.Patient {
	out := model.Patient{
		ID:           p.id,
		Number:       str(p.number),
		Surname:      str(p.surname),
		Name:         str(p.name),
		Patronymic:   str(p.patron),
		Phone:        str(p.phone),
		MobilePhone:  str(p.mobile),
		Email:        str(p.email),
		Birthday:     p.birthday,
		CardNumber:   str(p.card),
		Comment:      str(p.comment),
		Branch:       str(p.branch),
		LastModified: p.changed,
	}
	if p.sex != nil {
		switch *p.sex {
		case 1:
			out.Gender = model.GenderMale
		case 2:
			out.Gender = model.GenderFemale
		}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReception(row rowScanner) (*model.Reception, error) {
	var (
		r       model.Reception
		id      *int64
		status  string
		doctor  *string
		service *string
		cost    *float64
		length  *int32
		comment *string
		pr      patientRow
	)
	dest := append([]any{&id, &r.PatientID, &r.At, &status,
		&doctor, &service, &cost, &length, &comment, &r.LastModified}, pr.dest()...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "source: scan reception")
	}

	if id != nil {
		r.ID = *id
	}
	r.Status = model.ReceptionStatus(status)
	if !r.Status.Valid() {
		return nil, eris.Errorf("source: reception %d has unknown status %q", r.ID, status)
	}
	r.DoctorName = str(doctor)
	r.ServiceName = str(service)
	r.Cost = cost
	if length != nil {
		r.DurationMin = int(*length)
	}
	r.Comment = str(comment)
	p := pr.patient()
	r.Patient = &p
	return &r, nil
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
