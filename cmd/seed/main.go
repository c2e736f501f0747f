package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/clinic-booking/internal/db"
)

// Known-valid fiscal codes, cycled across seeded patients. Seed data
// only has to pass structural validation, not belong to real people.
var fiscalCodes = []string{
	"RSSMRA80A01H501U",
	"BNCLRA92D52F205W",
	"FRRLSE88M41H501E",
	"RSSMRA85T10A562S",
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 4)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	locationIDs, err := seedLocations(context.Background(), pool)
	if err != nil {
		log.Fatalf("seed locations: %v", err)
	}
	operatorIDs, err := seedOperators(context.Background(), pool, 8)
	if err != nil {
		log.Fatalf("seed operators: %v", err)
	}
	if err := seedServices(context.Background(), pool, operatorIDs); err != nil {
		log.Fatalf("seed services: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 500); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Printf("seed complete: %d locations, %d operators", len(locationIDs), len(operatorIDs))
}

func seedLocations(ctx context.Context, pool *pgxpool.Pool) ([]uuid.UUID, error) {
	log.Println("seeding locations")

	type site struct {
		name    string
		address string
		tz      string
		hours   map[string][]string
	}

	weekdayHours := map[string][]string{
		"monday":    {"09:00-13:00", "15:00-19:00"},
		"tuesday":   {"09:00-13:00", "15:00-19:00"},
		"wednesday": {"09:00-13:00", "15:00-18:00"},
		"thursday":  {"09:00-13:00", "15:00-19:00"},
		"friday":    {"09:00-13:00"},
	}

	sites := []site{
		{"Studio Velletri", "Via Roma 12, Velletri", "Europe/Rome", weekdayHours},
		{"Studio Roma Eur", "Viale Europa 44, Roma", "Europe/Rome", weekdayHours},
		{"Studio Online", "Videoconsulto", "Europe/Rome", map[string][]string{
			"monday":   {"18:00-21:00"},
			"thursday": {"18:00-21:00"},
			"saturday": {"09:00-12:00"},
		}},
	}

	ids := make([]uuid.UUID, 0, len(sites))
	for _, s := range sites {
		id := uuid.New()
		hours, err := json.Marshal(s.hours)
		if err != nil {
			return nil, err
		}

		_, err = pool.Exec(ctx, `
			INSERT INTO locations (id, name, address, time_zone, hours, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, s.name, s.address, s.tz, hours)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	log.Println("locations seeded")
	return ids, nil
}

func seedOperators(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d operators", count)

	ids := make([]uuid.UUID, 0, count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dott.ssa " + gofakeit.LastName()
		email := gofakeit.Email()

		_, err := tx.Exec(ctx, `
			INSERT INTO operators (id, name, email, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, email)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("operators seeded")
	return ids, nil
}

func seedServices(ctx context.Context, pool *pgxpool.Pool, operatorIDs []uuid.UUID) error {
	log.Println("seeding services")

	type svc struct {
		name      string
		duration  int
		price     int64
		onRequest bool
	}

	services := []svc{
		{"Prima visita ostetrica", 60, 12000, false},
		{"Visita di controllo", 30, 8000, false},
		{"Consulenza allattamento", 45, 7000, false},
		{"Corso preparto (ciclo)", 90, 18000, true},
		{"Consulto online", 30, 5000, false},
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, s := range services {
		// Each service is offered by a random subset of operators.
		n := gofakeit.Number(2, len(operatorIDs))
		idxs := intRange(len(operatorIDs))
		gofakeit.ShuffleInts(idxs)
		subset := make([]uuid.UUID, 0, n)
		for _, idx := range idxs[:n] {
			subset = append(subset, operatorIDs[idx])
		}
		encoded, err := json.Marshal(subset)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO services (id, name, duration_minutes, price_cents, on_request, operator_ids, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		`, uuid.New(), s.name, s.duration, s.price, s.onRequest, encoded)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("services seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 100

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, role, fiscal_code, created_at, updated_at)
				VALUES ($1, $2, $3, $4, 'patient', $5, now(), now())
			`, uuid.New(), gofakeit.Name(), gofakeit.Email(), gofakeit.Phone(), fiscalCodes[i%len(fiscalCodes)])
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}

func intRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
