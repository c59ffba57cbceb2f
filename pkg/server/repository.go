package server

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sashagrib/minifarm/pkg/farm"
	_ "github.com/mattn/go-sqlite3"
)

// Player is a player row as stored by the development server.
type Player struct {
	UserID        int64
	Username      string
	FirstName     string
	LastName      string
	DisplayName   string
	Balance       int
	FieldsOwned   int
	IsBlocked     bool
	BlockedReason string
}

// PlotRow is a plot row; CropKey is empty for a fallow plot.
type PlotRow struct {
	Index       int
	CropKey     string
	PlantedAtMs int64
}

// NonceRow is the player's current single-use action nonce.
type NonceRow struct {
	Value       string
	ExpiresAtMs int64
}

type Repository interface {
	Close(ctx context.Context) error
	GetOrCreatePlayer(ctx context.Context, userID int64) (*Player, error)
	UpdatePlayer(ctx context.Context, player *Player) error
	GetPlots(ctx context.Context, userID int64) ([]PlotRow, error)
	GetPlot(ctx context.Context, userID int64, index int) (*PlotRow, error)
	UpsertPlot(ctx context.Context, userID int64, index int, cropKey string, plantedAtMs int64) error
	ClearPlot(ctx context.Context, userID int64, index int) error
	GetInventory(ctx context.Context, userID int64) ([]farm.InventoryItem, error)
	AddInventory(ctx context.Context, userID int64, itemKey string, delta int) error
	GetNonce(ctx context.Context, userID int64) (*NonceRow, error)
	SetNonce(ctx context.Context, userID int64, value string, expiresAtMs int64) error
	LogAction(ctx context.Context, userID int64, action string, atMs int64) error
	CountRecentActions(ctx context.Context, userID int64, action string, sinceMs int64) (int, error)
}

const (
	defaultBalance     = 100
	defaultFieldsOwned = 2
)

const schema = `
CREATE TABLE IF NOT EXISTS players (
	user_id INTEGER PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	balance INTEGER NOT NULL,
	fields_owned INTEGER NOT NULL,
	is_blocked INTEGER NOT NULL DEFAULT 0,
	blocked_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS plots (
	user_id INTEGER NOT NULL,
	idx INTEGER NOT NULL,
	crop_key TEXT NOT NULL DEFAULT '',
	planted_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, idx)
);

CREATE TABLE IF NOT EXISTS inventories (
	user_id INTEGER NOT NULL,
	item_key TEXT NOT NULL,
	qty INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, item_key)
);

CREATE TABLE IF NOT EXISTS action_nonces (
	user_id INTEGER PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS action_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_logs_user_time ON action_logs (user_id, created_at_ms);
`

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(ctx context.Context, path string) (Repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// A single connection keeps writes serialized and makes :memory:
	// databases behave, since each sqlite connection gets its own one.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %v", err)
	}

	return &SQLiteRepository{
		db: db,
	}, nil
}

func (r *SQLiteRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r *SQLiteRepository) GetOrCreatePlayer(ctx context.Context, userID int64) (*Player, error) {
	player := &Player{UserID: userID}
	q := `
	SELECT username, first_name, last_name, display_name, balance, fields_owned, is_blocked, blocked_reason
	FROM players WHERE user_id = ?;
	`
	err := r.db.QueryRowContext(ctx, q, userID).Scan(
		&player.Username, &player.FirstName, &player.LastName, &player.DisplayName,
		&player.Balance, &player.FieldsOwned, &player.IsBlocked, &player.BlockedReason,
	)
	if err == nil {
		return player, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to scan player: %v", err)
	}

	player.Balance = defaultBalance
	player.FieldsOwned = defaultFieldsOwned
	insert := `
	INSERT INTO players (user_id, balance, fields_owned)
	VALUES (?, ?, ?);
	`
	if _, err := r.db.ExecContext(ctx, insert, userID, player.Balance, player.FieldsOwned); err != nil {
		return nil, fmt.Errorf("failed to insert player: %v", err)
	}
	return player, nil
}

func (r *SQLiteRepository) UpdatePlayer(ctx context.Context, player *Player) error {
	q := `
	UPDATE players
	SET username = ?, first_name = ?, last_name = ?, display_name = ?,
		balance = ?, fields_owned = ?, is_blocked = ?, blocked_reason = ?
	WHERE user_id = ?;
	`
	_, err := r.db.ExecContext(ctx, q,
		player.Username, player.FirstName, player.LastName, player.DisplayName,
		player.Balance, player.FieldsOwned, player.IsBlocked, player.BlockedReason,
		player.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to update player: %v", err)
	}
	return nil
}

func (r *SQLiteRepository) GetPlots(ctx context.Context, userID int64) ([]PlotRow, error) {
	q := `
	SELECT idx, crop_key, planted_at_ms FROM plots WHERE user_id = ? ORDER BY idx;
	`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plots: %v", err)
	}
	defer rows.Close()

	var plots []PlotRow
	for rows.Next() {
		var plot PlotRow
		if err := rows.Scan(&plot.Index, &plot.CropKey, &plot.PlantedAtMs); err != nil {
			return nil, fmt.Errorf("failed to scan plot: %v", err)
		}
		plots = append(plots, plot)
	}
	return plots, rows.Err()
}

func (r *SQLiteRepository) GetPlot(ctx context.Context, userID int64, index int) (*PlotRow, error) {
	q := `
	SELECT idx, crop_key, planted_at_ms FROM plots WHERE user_id = ? AND idx = ?;
	`
	plot := &PlotRow{}
	err := r.db.QueryRowContext(ctx, q, userID, index).Scan(&plot.Index, &plot.CropKey, &plot.PlantedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plot: %v", err)
	}
	return plot, nil
}

func (r *SQLiteRepository) UpsertPlot(ctx context.Context, userID int64, index int, cropKey string, plantedAtMs int64) error {
	q := `
	INSERT OR REPLACE INTO plots (user_id, idx, crop_key, planted_at_ms)
	VALUES (?, ?, ?, ?);
	`
	if _, err := r.db.ExecContext(ctx, q, userID, index, cropKey, plantedAtMs); err != nil {
		return fmt.Errorf("failed to upsert plot: %v", err)
	}
	return nil
}

func (r *SQLiteRepository) ClearPlot(ctx context.Context, userID int64, index int) error {
	return r.UpsertPlot(ctx, userID, index, "", 0)
}

func (r *SQLiteRepository) GetInventory(ctx context.Context, userID int64) ([]farm.InventoryItem, error) {
	q := `
	SELECT item_key, qty FROM inventories WHERE user_id = ? ORDER BY item_key;
	`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %v", err)
	}
	defer rows.Close()

	var items []farm.InventoryItem
	for rows.Next() {
		var item farm.InventoryItem
		if err := rows.Scan(&item.ItemKey, &item.Qty); err != nil {
			return nil, fmt.Errorf("failed to scan inventory item: %v", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *SQLiteRepository) AddInventory(ctx context.Context, userID int64, itemKey string, delta int) error {
	q := `
	INSERT INTO inventories (user_id, item_key, qty)
	VALUES (?, ?, MAX(0, ?))
	ON CONFLICT (user_id, item_key) DO UPDATE SET qty = MAX(0, qty + ?);
	`
	if _, err := r.db.ExecContext(ctx, q, userID, itemKey, delta, delta); err != nil {
		return fmt.Errorf("failed to add inventory: %v", err)
	}
	return nil
}

func (r *SQLiteRepository) GetNonce(ctx context.Context, userID int64) (*NonceRow, error) {
	q := `
	SELECT value, expires_at_ms FROM action_nonces WHERE user_id = ?;
	`
	nonce := &NonceRow{}
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&nonce.Value, &nonce.ExpiresAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan nonce: %v", err)
	}
	return nonce, nil
}

func (r *SQLiteRepository) SetNonce(ctx context.Context, userID int64, value string, expiresAtMs int64) error {
	q := `
	INSERT OR REPLACE INTO action_nonces (user_id, value, expires_at_ms)
	VALUES (?, ?, ?);
	`
	if _, err := r.db.ExecContext(ctx, q, userID, value, expiresAtMs); err != nil {
		return fmt.Errorf("failed to set nonce: %v", err)
	}
	return nil
}

func (r *SQLiteRepository) LogAction(ctx context.Context, userID int64, action string, atMs int64) error {
	q := `
	INSERT INTO action_logs (user_id, action, created_at_ms)
	VALUES (?, ?, ?);
	`
	if _, err := r.db.ExecContext(ctx, q, userID, action, atMs); err != nil {
		return fmt.Errorf("failed to log action: %v", err)
	}
	return nil
}

// CountRecentActions counts logged actions of one class, matched by
// prefix since logs carry a payload suffix ("plant:wheat").
func (r *SQLiteRepository) CountRecentActions(ctx context.Context, userID int64, action string, sinceMs int64) (int, error) {
	q := `
	SELECT COUNT(*) FROM action_logs WHERE user_id = ? AND action LIKE ? AND created_at_ms >= ?;
	`
	var count int
	if err := r.db.QueryRowContext(ctx, q, userID, action+"%", sinceMs).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent actions: %v", err)
	}
	return count, nil
}
