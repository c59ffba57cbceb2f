package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sashagrib/minifarm/pkg/crops"
	"github.com/sashagrib/minifarm/pkg/farm"
	"github.com/sashagrib/minifarm/pkg/gateway"
	"github.com/sashagrib/minifarm/pkg/log"
)

const (
	fieldCost = 5

	nonceTTLMs      = 60_000
	rateWindowMs    = 5_000
	maxBuyFieldRate = 6
	maxShopBuyRate  = 8
	maxPlantRate    = 8
	maxHarvestRate  = 10
	maxSellRate     = 8
)

type response struct {
	OK            bool                 `json:"ok"`
	Error         string               `json:"error,omitempty"`
	BlockedReason string               `json:"blocked_reason,omitempty"`
	State         *farm.Snapshot       `json:"state,omitempty"`
	BoughtIndex   *int                 `json:"bought_index,omitempty"`
	Bought        interface{}          `json:"bought,omitempty"`
	Planted       interface{}          `json:"planted,omitempty"`
	Harvested     interface{}          `json:"harvested,omitempty"`
	Sold          interface{}          `json:"sold,omitempty"`
	Inventory     []farm.InventoryItem `json:"inventory,omitempty"`
}

func writeResponse(w http.ResponseWriter, status int, resp *response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("Failed to encode response: %v", err)
	}
}

func fail(w http.ResponseWriter, status int, kind string) {
	writeResponse(w, status, &response{OK: false, Error: kind})
}

// userID identifies the player. The development server has no real
// session bootstrap; the identity comes from a header, defaulting to 1.
func (s *Server) userID(r *http.Request) int64 {
	if raw := r.Header.Get("X-User-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 1
}

func (s *Server) nowMs() int64 {
	return s.clock.Now().UnixMilli()
}

// authedPlayer loads the player and rejects blocked accounts.
func (s *Server) authedPlayer(ctx context.Context, w http.ResponseWriter, userID int64) (*Player, bool) {
	player, err := s.repository.GetOrCreatePlayer(ctx, userID)
	if err != nil {
		log.Error("Failed to load player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return nil, false
	}
	if player.IsBlocked {
		reason := player.BlockedReason
		if reason == "" {
			reason = "Account blocked"
		}
		writeResponse(w, http.StatusForbidden, &response{OK: false, Error: "user_blocked", BlockedReason: reason})
		return nil, false
	}
	return player, true
}

func (s *Server) issueNonce(ctx context.Context, userID int64) (string, int64, error) {
	value := uuid.NewString()
	expiresAt := s.nowMs() + nonceTTLMs
	if err := s.repository.SetNonce(ctx, userID, value, expiresAt); err != nil {
		return "", 0, err
	}
	return value, expiresAt, nil
}

// verifyAndRotateNonce checks the presented nonce and rotates it on
// success, invalidating the old value.
func (s *Server) verifyAndRotateNonce(ctx context.Context, userID int64, presented string) (bool, error) {
	if presented == "" {
		return false, nil
	}
	nonce, err := s.repository.GetNonce(ctx, userID)
	if err != nil {
		return false, err
	}
	if nonce == nil || nonce.Value != presented || s.nowMs() > nonce.ExpiresAtMs {
		return false, nil
	}
	if _, _, err := s.issueNonce(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) requireNonce(ctx context.Context, w http.ResponseWriter, r *http.Request, userID int64) bool {
	ok, err := s.verifyAndRotateNonce(ctx, userID, r.Header.Get(gateway.NonceHeader))
	if err != nil {
		log.Error("Failed to verify nonce for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return false
	}
	if !ok {
		fail(w, http.StatusConflict, "bad_or_expired_nonce")
		return false
	}
	return true
}

// checkRate limits each action class independently: recent actions of
// other classes never count against this one.
func (s *Server) checkRate(ctx context.Context, w http.ResponseWriter, userID int64, action string, max int) bool {
	count, err := s.repository.CountRecentActions(ctx, userID, action, s.nowMs()-rateWindowMs)
	if err != nil {
		log.Error("Failed to count recent actions for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return false
	}
	if count >= max {
		fail(w, http.StatusTooManyRequests, "rate_limited")
		return false
	}
	return true
}

func (s *Server) plotsPayload(rows []PlotRow, nowMs int64) []farm.Plot {
	plots := make([]farm.Plot, 0, len(rows))
	for _, row := range rows {
		plot := farm.Plot{Index: row.Index}
		if row.CropKey != "" && row.PlantedAtMs > 0 {
			plot.CropKey = row.CropKey
			plot.PlantedAtUnixMs = farm.Timestamp(row.PlantedAtMs)
			plot.PlantedAtISO = farm.Timestamp(row.PlantedAtMs)
			if stage, ok := crops.StageAt(row.CropKey, row.PlantedAtMs, nowMs); ok {
				duration, _ := crops.Duration(row.CropKey)
				readyAt := row.PlantedAtMs + duration.Milliseconds()
				plot.Stage = stage
				plot.ReadyAtUnixMs = farm.Timestamp(readyAt)
				if remaining := readyAt - nowMs; remaining > 0 {
					plot.RemainingMs = remaining
				}
			}
		}
		plots = append(plots, plot)
	}
	return plots
}

// snapshotPayload builds the state blob for a response. Plot listings are
// included only for actions that touch plots; responses without plots
// exercise the client's partial-update preservation.
func (s *Server) snapshotPayload(ctx context.Context, player *Player, includePlots bool) (*farm.Snapshot, error) {
	nonce, err := s.repository.GetNonce(ctx, player.UserID)
	if err != nil {
		return nil, err
	}

	now := s.nowMs()
	snapshot := &farm.Snapshot{
		UserID:       player.UserID,
		Username:     player.Username,
		FirstName:    player.FirstName,
		LastName:     player.LastName,
		DisplayName:  player.DisplayName,
		Balance:      player.Balance,
		FieldsOwned:  player.FieldsOwned,
		ServerTimeMs: farm.Timestamp(now),
	}
	if nonce != nil {
		snapshot.ActionNonce = nonce.Value
		snapshot.NonceExpiry = farm.Timestamp(nonce.ExpiresAtMs).Time().Format(time.RFC3339)
	}

	if includePlots {
		rows, err := s.repository.GetPlots(ctx, player.UserID)
		if err != nil {
			return nil, err
		}
		snapshot.Plots = s.plotsPayload(rows, now)
	}
	return snapshot, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)
	player, ok := s.authedPlayer(ctx, w, userID)
	if !ok {
		return
	}

	if _, _, err := s.issueNonce(ctx, userID); err != nil {
		log.Error("Failed to issue nonce for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}

	snapshot, err := s.snapshotPayload(ctx, player, true)
	if err != nil {
		log.Error("Failed to build state for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeResponse(w, http.StatusOK, &response{OK: true, State: snapshot})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)
	if _, ok := s.authedPlayer(ctx, w, userID); !ok {
		return
	}

	items, err := s.repository.GetInventory(ctx, userID)
	if err != nil {
		log.Error("Failed to load inventory for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if items == nil {
		items = []farm.InventoryItem{}
	}
	writeResponse(w, http.StatusOK, &response{OK: true, Inventory: items})
}

func (s *Server) handleBuyField(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)
	player, ok := s.authedPlayer(ctx, w, userID)
	if !ok {
		return
	}
	if !s.requireNonce(ctx, w, r, userID) {
		return
	}
	if !s.checkRate(ctx, w, userID, "buy_field", maxBuyFieldRate) {
		return
	}

	if player.FieldsOwned >= farm.MaxFields {
		fail(w, http.StatusBadRequest, "max_fields")
		return
	}
	if player.Balance < fieldCost {
		fail(w, http.StatusBadRequest, "not_enough_money")
		return
	}

	player.Balance -= fieldCost
	player.FieldsOwned++
	if err := s.repository.UpdatePlayer(ctx, player); err != nil {
		log.Error("Failed to update player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.logAction(ctx, userID, "buy_field")

	snapshot, err := s.snapshotPayload(ctx, player, true)
	if err != nil {
		log.Error("Failed to build state for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	boughtIndex := player.FieldsOwned - 1
	writeResponse(w, http.StatusOK, &response{OK: true, State: snapshot, BoughtIndex: &boughtIndex})
	s.hub.Broadcast(ctx, userID, snapshot)
}

func (s *Server) handleShopBuy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)
	player, ok := s.authedPlayer(ctx, w, userID)
	if !ok {
		return
	}
	if !s.requireNonce(ctx, w, r, userID) {
		return
	}
	if !s.checkRate(ctx, w, userID, "shop_buy", maxShopBuyRate) {
		return
	}

	var body struct {
		ItemKey string `json:"item_key"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	item, known := crops.ShopPrice(body.ItemKey)
	if !known {
		fail(w, http.StatusBadRequest, "unknown_item")
		return
	}
	if player.Balance < item.Price {
		fail(w, http.StatusBadRequest, "not_enough_money")
		return
	}

	player.Balance -= item.Price
	if err := s.repository.UpdatePlayer(ctx, player); err != nil {
		log.Error("Failed to update player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := s.repository.AddInventory(ctx, userID, item.ItemKey, 1); err != nil {
		log.Error("Failed to add inventory for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.logAction(ctx, userID, "shop_buy:"+item.ItemKey)

	snapshot, err := s.snapshotPayload(ctx, player, false)
	if err != nil {
		log.Error("Failed to build state for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeResponse(w, http.StatusOK, &response{OK: true, State: snapshot, Bought: &gateway.BoughtItem{
		ItemKey: item.ItemKey,
		Title:   item.Title,
		Qty:     1,
	}})
	s.hub.Broadcast(ctx, userID, snapshot)
}

func (s *Server) handlePlant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)
	player, ok := s.authedPlayer(ctx, w, userID)
	if !ok {
		return
	}
	if !s.requireNonce(ctx, w, r, userID) {
		return
	}
	if !s.checkRate(ctx, w, userID, "plant", maxPlantRate) {
		return
	}

	var body struct {
		Index   *int   `json:"idx"`
		ItemKey string `json:"item_key"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Index == nil {
		fail(w, http.StatusBadRequest, "bad_index")
		return
	}
	index := *body.Index

	cropKey, known := crops.CropForSeed(body.ItemKey)
	if !known {
		fail(w, http.StatusBadRequest, "unknown_seed")
		return
	}

	maxIndex := player.FieldsOwned
	if maxIndex > farm.MaxFields {
		maxIndex = farm.MaxFields
	}
	if index < 0 || index >= maxIndex {
		fail(w, http.StatusForbidden, "no_field_access")
		return
	}

	items, err := s.repository.GetInventory(ctx, userID)
	if err != nil {
		log.Error("Failed to load inventory for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if inventoryQty(items, body.ItemKey) <= 0 {
		fail(w, http.StatusBadRequest, "no_seeds")
		return
	}

	plot, err := s.repository.GetPlot(ctx, userID, index)
	if err != nil {
		log.Error("Failed to load plot %d for player %d: %v", index, userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if plot != nil && plot.CropKey != "" {
		fail(w, http.StatusBadRequest, "plot_busy")
		return
	}

	if err := s.repository.AddInventory(ctx, userID, body.ItemKey, -1); err != nil {
		log.Error("Failed to consume seed for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := s.repository.UpsertPlot(ctx, userID, index, cropKey, s.nowMs()); err != nil {
		log.Error("Failed to plant plot %d for player %d: %v", index, userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.logAction(ctx, userID, "plant:"+cropKey)

	snapshot, err := s.snapshotPayload(ctx, player, true)
	if err != nil {
		log.Error("Failed to build state for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeResponse(w, http.StatusOK, &response{OK: true, State: snapshot, Planted: &gateway.PlantedCrop{
		Index:   index,
		CropKey: cropKey,
	}})
	s.hub.Broadcast(ctx, userID, snapshot)
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)
	player, ok := s.authedPlayer(ctx, w, userID)
	if !ok {
		return
	}
	if !s.requireNonce(ctx, w, r, userID) {
		return
	}
	if !s.checkRate(ctx, w, userID, "harvest", maxHarvestRate) {
		return
	}

	var body struct {
		Index *int `json:"idx"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Index == nil {
		fail(w, http.StatusBadRequest, "bad_index")
		return
	}
	index := *body.Index

	maxIndex := player.FieldsOwned
	if maxIndex > farm.MaxFields {
		maxIndex = farm.MaxFields
	}
	if index < 0 || index >= maxIndex {
		fail(w, http.StatusForbidden, "no_field_access")
		return
	}

	plot, err := s.repository.GetPlot(ctx, userID, index)
	if err != nil {
		log.Error("Failed to load plot %d for player %d: %v", index, userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if plot == nil || plot.CropKey == "" || plot.PlantedAtMs <= 0 {
		fail(w, http.StatusBadRequest, "nothing_to_harvest")
		return
	}

	stage, known := crops.StageAt(plot.CropKey, plot.PlantedAtMs, s.nowMs())
	if !known || stage != crops.StageReady {
		fail(w, http.StatusBadRequest, "not_ready")
		return
	}

	harvestedKey := crops.HarvestFor(plot.CropKey)
	if err := s.repository.AddInventory(ctx, userID, harvestedKey, 1); err != nil {
		log.Error("Failed to add harvest for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if err := s.repository.ClearPlot(ctx, userID, index); err != nil {
		log.Error("Failed to clear plot %d for player %d: %v", index, userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.logAction(ctx, userID, "harvest:"+plot.CropKey)

	snapshot, err := s.snapshotPayload(ctx, player, true)
	if err != nil {
		log.Error("Failed to build state for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeResponse(w, http.StatusOK, &response{OK: true, State: snapshot, Harvested: &gateway.HarvestedCrop{
		Index:   index,
		ItemKey: harvestedKey,
		Qty:     1,
	}})
	s.hub.Broadcast(ctx, userID, snapshot)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)
	player, ok := s.authedPlayer(ctx, w, userID)
	if !ok {
		return
	}
	if !s.requireNonce(ctx, w, r, userID) {
		return
	}
	if !s.checkRate(ctx, w, userID, "sell", maxSellRate) {
		return
	}

	var body struct {
		ItemKey string `json:"item_key"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	price, sellable := crops.SellPrices[body.ItemKey]
	if !sellable {
		fail(w, http.StatusBadRequest, "cannot_sell_item")
		return
	}

	items, err := s.repository.GetInventory(ctx, userID)
	if err != nil {
		log.Error("Failed to load inventory for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if inventoryQty(items, body.ItemKey) <= 0 {
		fail(w, http.StatusBadRequest, "no_items")
		return
	}

	if err := s.repository.AddInventory(ctx, userID, body.ItemKey, -1); err != nil {
		log.Error("Failed to consume item for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	player.Balance += price
	if err := s.repository.UpdatePlayer(ctx, player); err != nil {
		log.Error("Failed to update player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.logAction(ctx, userID, "sell:"+body.ItemKey)

	snapshot, err := s.snapshotPayload(ctx, player, false)
	if err != nil {
		log.Error("Failed to build state for player %d: %v", userID, err)
		fail(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeResponse(w, http.StatusOK, &response{OK: true, State: snapshot, Sold: &gateway.SoldItem{
		ItemKey: body.ItemKey,
		Price:   price,
		Qty:     1,
	}})
	s.hub.Broadcast(ctx, userID, snapshot)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleSubscribe(w, r, s.userID(r))
}

func (s *Server) logAction(ctx context.Context, userID int64, action string) {
	if err := s.repository.LogAction(ctx, userID, action, s.nowMs()); err != nil {
		log.Warn("Failed to log action %s for player %d: %v", action, userID, err)
	}
}

func inventoryQty(items []farm.InventoryItem, itemKey string) int {
	for _, item := range items {
		if item.ItemKey == itemKey {
			return item.Qty
		}
	}
	return 0
}
