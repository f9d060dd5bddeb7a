package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
	"github.com/valuebridge/bridge-node/db"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valuebridge/bridge-node/store/migrations"
	"github.com/valuebridge/bridge-node/types"
)

const errWhileRollbackFormat = "error while rolling back tx: %w"

var (
	// ErrNotFound is returned when the addressed record does not exist
	ErrNotFound = db.ErrNotFound
	// ErrAlreadyExists is returned when inserting a record whose identity is already stored
	ErrAlreadyExists = errors.New("already exists")

	timeNowFunc = time.Now
)

// Storage is the persistent state shared by all the watchers of the node
type Storage interface {
	// GetSyncCursor returns the cursor of a watcher on a network
	GetSyncCursor(network, watcherKind string) (types.SyncCursor, error)
	// SetSyncCursor moves a cursor forward. Moving it backwards is rejected
	SetSyncCursor(ctx context.Context, cursor types.SyncCursor) error
	// RecordObservedTransfers stores the transfers that are not known yet and advances the
	// cursor, atomically. Returns how many transfers were new
	RecordObservedTransfers(ctx context.Context, transfers []*types.Transfer, cursor types.SyncCursor) (int, error)

	GetTransfer(id common.Hash) (*types.Transfer, error)
	GetTransfersByIDs(ids []common.Hash) (map[common.Hash]*types.Transfer, error)
	// GetTransfers returns the transfers of a route in on-chain order, optionally filtered by status
	GetTransfers(route types.Route, statuses ...types.TransferStatus) ([]*types.Transfer, error)
	// GetBondCandidates returns pending or committed transfers of a route, without bond, that did
	// not fail permanently and whose root is not settled
	GetBondCandidates(route types.Route) ([]*types.Transfer, error)
	// RecordBondAttempt keeps the attempt count of a transfer and flags it when retries are exhausted
	RecordBondAttempt(ctx context.Context, id common.Hash, attempts int, failed bool, reason string) error

	// RecordBond inserts the bond and marks the pending transfer as bonded, atomically.
	// Returns ErrAlreadyExists when the transfer was already bonded
	RecordBond(ctx context.Context, bond *types.BondedWithdrawal) error
	GetBondedWithdrawal(id common.Hash) (*types.BondedWithdrawal, error)
	GetBondedWithdrawals(ids []common.Hash) (map[common.Hash]*types.BondedWithdrawal, error)
	GetUnconfirmedBonds(network string) ([]*types.BondedWithdrawal, error)
	MarkBondConfirmed(ctx context.Context, id common.Hash, confirmations uint64) error
	// MarkBondReverted flags a bond whose transaction reverted and fails its transfer, so it is
	// neither awaited nor bonded again
	MarkBondReverted(ctx context.Context, id common.Hash, reason string) error

	// SaveTransferRoot inserts the root and moves the given transfers to committed, atomically
	SaveTransferRoot(ctx context.Context, root *types.TransferRoot, committedIDs []common.Hash) error
	GetTransferRoot(hash common.Hash) (*types.TransferRoot, error)
	GetUnsettledRoots(destNetwork string) ([]*types.TransferRoot, error)
	GetRootsByChallengeStatus(route types.Route, status types.ChallengeStatus) ([]*types.TransferRoot, error)
	// GetLastObservedRoot returns the last root of a route seen on chain before the given position
	GetLastObservedRoot(route types.Route, block, logIndex uint64) (*types.TransferRoot, error)
	MarkRootConfirmed(ctx context.Context, hash common.Hash) error
	UpdateChallenge(ctx context.Context, hash common.Hash, status types.ChallengeStatus, txHash common.Hash) error
	// SettleBonds marks bonds and their transfers as settled through a root. The root itself
	// is marked settled when none of its bonded transfers remains unsettled
	SettleBonds(ctx context.Context, rootHash common.Hash, ids []common.Hash, txHash common.Hash) (bool, error)

	GetStakeBalance(bonder common.Address, network, token string) (*types.StakeBalance, error)
	SaveStakeBalance(ctx context.Context, balance *types.StakeBalance) error

	// Summary returns aggregated counters of the stored state
	Summary() (Summary, error)
	// Clear removes every record. Only meant to be used before the watchers start
	Clear(ctx context.Context) error
}

// Summary is an aggregated view of the stored state
type Summary struct {
	TransfersByStatus map[types.TransferStatus]int
	FailedBonds       int
	Bonds             int
	RevertedBonds     int
	UnconfirmedBonds  int
	UnsettledBonds    int
	UnsettledRoots    int
	PendingChallenges int
	Cursors           []*types.SyncCursor
}

var _ Storage = (*SQLStorage)(nil)

// SQLStorage implements Storage on top of SQLite
type SQLStorage struct {
	logger *log.Logger
	db     *sql.DB
}

// NewSQLStorage runs the migrations and opens the database at dbPath
func NewSQLStorage(logger *log.Logger, dbPath string) (*SQLStorage, error) {
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}

	database, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}

	return &SQLStorage{
		db:     database,
		logger: logger,
	}, nil
}

// Close releases the database
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) rollback(tx *db.Tx) {
	if errRllbck := tx.Rollback(); errRllbck != nil {
		s.logger.Errorf(errWhileRollbackFormat, errRllbck)
	}
}

// placeholders returns "$from, $from+1, ..." for n arguments
func placeholders(from, n int) string {
	res := make([]string, n)
	for i := range res {
		res[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(res, ", ")
}

func hashesToArgs(ids []common.Hash) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id.Hex()
	}
	return args
}

func getSelectQueryError(what string, err error) error {
	if err = db.ReturnErrNotFound(err); errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("error getting %s: %w", what, err)
}

// GetSyncCursor returns the cursor of a watcher on a network
func (s *SQLStorage) GetSyncCursor(network, watcherKind string) (types.SyncCursor, error) {
	return getSyncCursor(s.db, network, watcherKind)
}

func getSyncCursor(q meddler.DB, network, watcherKind string) (types.SyncCursor, error) {
	var cursor types.SyncCursor
	if err := meddler.QueryRow(q, &cursor,
		"SELECT * FROM sync_cursor WHERE network = $1 AND watcher_kind = $2;", network, watcherKind); err != nil {
		return types.SyncCursor{}, getSelectQueryError("sync cursor", err)
	}
	return cursor, nil
}

// SetSyncCursor moves a cursor forward
func (s *SQLStorage) SetSyncCursor(ctx context.Context, cursor types.SyncCursor) error {
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.rollback(tx)
		}
	}()

	if err = setSyncCursor(tx, cursor); err != nil {
		return err
	}
	return tx.Commit()
}

func setSyncCursor(tx *db.Tx, cursor types.SyncCursor) error {
	current, err := getSyncCursor(tx, cursor.Network, cursor.WatcherKind)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && cursor.LastProcessedBlock < current.LastProcessedBlock {
		return fmt.Errorf("cursor %s/%s would move back from %d to %d: %w",
			cursor.Network, cursor.WatcherKind, current.LastProcessedBlock, cursor.LastProcessedBlock,
			types.ErrInconsistentState)
	}
	_, err = tx.Exec(`
		INSERT INTO sync_cursor (network, watcher_kind, last_processed_block, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (network, watcher_kind) DO UPDATE SET
			last_processed_block = excluded.last_processed_block,
			updated_at = excluded.updated_at;`,
		cursor.Network, cursor.WatcherKind, cursor.LastProcessedBlock, timeNowFunc().Unix())
	if err != nil {
		return fmt.Errorf("error saving sync cursor: %w", err)
	}
	return nil
}

// RecordObservedTransfers stores the new transfers and advances the cursor in the same tx
func (s *SQLStorage) RecordObservedTransfers(
	ctx context.Context, transfers []*types.Transfer, cursor types.SyncCursor,
) (int, error) {
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			s.rollback(tx)
		}
	}()

	inserted := 0
	for _, t := range transfers {
		var exists bool
		exists, err = transferExists(tx, t.TransferID)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		if t.Status == "" {
			t.Status = types.TransferPending
		}
		if t.ObservedAt == 0 {
			t.ObservedAt = timeNowFunc().Unix()
		}
		if err = meddler.Insert(tx, "transfer", t); err != nil {
			return 0, fmt.Errorf("error inserting transfer %s: %w", t.TransferID.Hex(), err)
		}
		inserted++
	}

	if err = setSyncCursor(tx, cursor); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func transferExists(q meddler.DB, id common.Hash) (bool, error) {
	var count int
	if err := q.QueryRow("SELECT COUNT(1) FROM transfer WHERE transfer_id = $1;", id.Hex()).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetTransfer returns a transfer by its id
func (s *SQLStorage) GetTransfer(id common.Hash) (*types.Transfer, error) {
	t := &types.Transfer{}
	if err := meddler.QueryRow(s.db, t, "SELECT * FROM transfer WHERE transfer_id = $1;", id.Hex()); err != nil {
		return nil, getSelectQueryError("transfer", err)
	}
	return t, nil
}

// GetTransfersByIDs returns the known transfers among ids. Unknown ids are absent from the result
func (s *SQLStorage) GetTransfersByIDs(ids []common.Hash) (map[common.Hash]*types.Transfer, error) {
	res := make(map[common.Hash]*types.Transfer, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var transfers []*types.Transfer
	query := "SELECT * FROM transfer WHERE transfer_id IN (" + placeholders(1, len(ids)) + ");"
	if err := meddler.QueryAll(s.db, &transfers, query, hashesToArgs(ids)...); err != nil {
		return nil, err
	}
	for _, t := range transfers {
		res[t.TransferID] = t
	}
	return res, nil
}

// GetTransfers returns the transfers of a route ordered by their position on the source chain
func (s *SQLStorage) GetTransfers(route types.Route, statuses ...types.TransferStatus) ([]*types.Transfer, error) {
	query := "SELECT * FROM transfer WHERE source_network = $1 AND dest_network = $2 AND token = $3"
	args := []interface{}{route.Source, route.Dest, route.Token}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(args)+1, len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY source_block ASC, log_index ASC;"

	var transfers []*types.Transfer
	if err := meddler.QueryAll(s.db, &transfers, query, args...); err != nil {
		return nil, err
	}
	return transfers, nil
}

// GetBondCandidates returns the unbonded and not failed transfers of a route. A transfer
// committed in a root stays a candidate until the root is settled
func (s *SQLStorage) GetBondCandidates(route types.Route) ([]*types.Transfer, error) {
	var transfers []*types.Transfer
	err := meddler.QueryAll(s.db, &transfers, `
		SELECT t.* FROM transfer t
		LEFT JOIN bonded_withdrawal b ON b.transfer_id = t.transfer_id
		LEFT JOIN transfer_root r ON r.root_hash = t.root_hash
		WHERE t.source_network = $1 AND t.dest_network = $2 AND t.token = $3
			AND t.status IN ($4, $5) AND t.bond_failed = FALSE AND b.transfer_id IS NULL
			AND (r.root_hash IS NULL OR r.settled = FALSE)
		ORDER BY t.source_block ASC, t.log_index ASC;`,
		route.Source, route.Dest, route.Token,
		string(types.TransferPending), string(types.TransferCommitted))
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

// RecordBondAttempt stores the attempt count and the last failure reason of a transfer
func (s *SQLStorage) RecordBondAttempt(
	ctx context.Context, id common.Hash, attempts int, failed bool, reason string,
) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transfer SET bond_attempts = $1, bond_failed = $2, bond_error = $3 WHERE transfer_id = $4;",
		attempts, failed, reason, id.Hex())
	if err != nil {
		return fmt.Errorf("error recording bond attempt: %w", err)
	}
	return expectAffected(res, id)
}

func expectAffected(res sql.Result, id common.Hash) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// RecordBond inserts the bond and moves the transfer to bonded when it is still pending
func (s *SQLStorage) RecordBond(ctx context.Context, bond *types.BondedWithdrawal) error {
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.rollback(tx)
		}
	}()

	if bond.CreatedAt == 0 {
		bond.CreatedAt = timeNowFunc().Unix()
	}
	if err = meddler.Insert(tx, "bonded_withdrawal", bond); err != nil {
		if db.IsConstraintViolation(err) {
			err = fmt.Errorf("bond for transfer %s: %w", bond.TransferID.Hex(), ErrAlreadyExists)
			return err
		}
		return fmt.Errorf("error inserting bonded withdrawal: %w", err)
	}
	if _, err = tx.Exec("UPDATE transfer SET status = $1 WHERE transfer_id = $2 AND status = $3;",
		string(types.TransferBonded), bond.TransferID.Hex(), string(types.TransferPending)); err != nil {
		return fmt.Errorf("error updating transfer status: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	s.logger.Debugf("recorded bond for transfer %s, tx %s", bond.TransferID.Hex(), bond.TxHash.Hex())
	return nil
}

// GetBondedWithdrawal returns the bond of a transfer
func (s *SQLStorage) GetBondedWithdrawal(id common.Hash) (*types.BondedWithdrawal, error) {
	bond := &types.BondedWithdrawal{}
	if err := meddler.QueryRow(s.db, bond,
		"SELECT * FROM bonded_withdrawal WHERE transfer_id = $1;", id.Hex()); err != nil {
		return nil, getSelectQueryError("bonded withdrawal", err)
	}
	return bond, nil
}

// GetBondedWithdrawals returns the bonds among ids. Transfers without bond, or whose bond
// reverted, are absent from the result
func (s *SQLStorage) GetBondedWithdrawals(ids []common.Hash) (map[common.Hash]*types.BondedWithdrawal, error) {
	res := make(map[common.Hash]*types.BondedWithdrawal, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var bonds []*types.BondedWithdrawal
	query := "SELECT * FROM bonded_withdrawal WHERE reverted = FALSE AND transfer_id IN (" +
		placeholders(1, len(ids)) + ");"
	if err := meddler.QueryAll(s.db, &bonds, query, hashesToArgs(ids)...); err != nil {
		return nil, err
	}
	for _, b := range bonds {
		res[b.TransferID] = b
	}
	return res, nil
}

// GetUnconfirmedBonds returns the bonds on a network still waiting for confirmations
func (s *SQLStorage) GetUnconfirmedBonds(network string) ([]*types.BondedWithdrawal, error) {
	var bonds []*types.BondedWithdrawal
	if err := meddler.QueryAll(s.db, &bonds,
		"SELECT * FROM bonded_withdrawal WHERE network = $1 AND confirmed = FALSE AND reverted = FALSE " +
			"ORDER BY created_at ASC;",
		network); err != nil {
		return nil, err
	}
	return bonds, nil
}

// MarkBondConfirmed flags the bond as confirmed
func (s *SQLStorage) MarkBondConfirmed(ctx context.Context, id common.Hash, confirmations uint64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE bonded_withdrawal SET confirmed = TRUE, confirmations = $1 WHERE transfer_id = $2;",
		confirmations, id.Hex())
	if err != nil {
		return fmt.Errorf("error confirming bond: %w", err)
	}
	return expectAffected(res, id)
}

// MarkBondReverted flags the bond as reverted. A transfer moved to bonded goes back to pending
// with its bond failed
func (s *SQLStorage) MarkBondReverted(ctx context.Context, id common.Hash, reason string) error {
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.rollback(tx)
		}
	}()

	var res sql.Result
	if res, err = tx.Exec("UPDATE bonded_withdrawal SET reverted = TRUE WHERE transfer_id = $1;", id.Hex()); err != nil {
		return fmt.Errorf("error marking bond reverted: %w", err)
	}
	if err = expectAffected(res, id); err != nil {
		return err
	}
	if _, err = tx.Exec("UPDATE transfer SET status = $1 WHERE transfer_id = $2 AND status = $3;",
		string(types.TransferPending), id.Hex(), string(types.TransferBonded)); err != nil {
		return fmt.Errorf("error updating transfer status: %w", err)
	}
	if _, err = tx.Exec("UPDATE transfer SET bond_failed = TRUE, bond_error = $1 WHERE transfer_id = $2;",
		reason, id.Hex()); err != nil {
		return fmt.Errorf("error failing transfer: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	s.logger.Warnf("bond of transfer %s marked as reverted", id.Hex())
	return nil
}

// SaveTransferRoot inserts the root and moves committedIDs to committed in a single tx
func (s *SQLStorage) SaveTransferRoot(
	ctx context.Context, root *types.TransferRoot, committedIDs []common.Hash,
) error {
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.rollback(tx)
		}
	}()

	if root.ChallengeStatus == "" {
		root.ChallengeStatus = types.ChallengeNone
	}
	if err = meddler.Insert(tx, "transfer_root", root); err != nil {
		if db.IsConstraintViolation(err) {
			err = fmt.Errorf("transfer root %s: %w", root.RootHash.Hex(), ErrAlreadyExists)
			return err
		}
		return fmt.Errorf("error inserting transfer root: %w", err)
	}
	for _, id := range committedIDs {
		if _, err = tx.Exec(`
			UPDATE transfer SET status = $1, root_hash = $2
			WHERE transfer_id = $3 AND status IN ($4, $5);`,
			string(types.TransferCommitted), root.RootHash.Hex(), id.Hex(),
			string(types.TransferPending), string(types.TransferBonded)); err != nil {
			return fmt.Errorf("error committing transfer %s: %w", id.Hex(), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	s.logger.Debugf("saved transfer root %s with %d transfers", root.RootHash.Hex(), len(root.TransferIDs))
	return nil
}

// GetTransferRoot returns a root by its hash
func (s *SQLStorage) GetTransferRoot(hash common.Hash) (*types.TransferRoot, error) {
	return getTransferRoot(s.db, hash)
}

func getTransferRoot(q meddler.DB, hash common.Hash) (*types.TransferRoot, error) {
	root := &types.TransferRoot{}
	if err := meddler.QueryRow(q, root, "SELECT * FROM transfer_root WHERE root_hash = $1;", hash.Hex()); err != nil {
		return nil, getSelectQueryError("transfer root", err)
	}
	return root, nil
}

// GetUnsettledRoots returns the roots towards destNetwork that are not settled yet, oldest first
func (s *SQLStorage) GetUnsettledRoots(destNetwork string) ([]*types.TransferRoot, error) {
	var roots []*types.TransferRoot
	if err := meddler.QueryAll(s.db, &roots, `
		SELECT * FROM transfer_root WHERE dest_network = $1 AND settled = FALSE
		ORDER BY committed_at_block ASC, commit_log_index ASC;`, destNetwork); err != nil {
		return nil, err
	}
	return roots, nil
}

// GetRootsByChallengeStatus returns the roots of a route in the given challenge status
func (s *SQLStorage) GetRootsByChallengeStatus(
	route types.Route, status types.ChallengeStatus,
) ([]*types.TransferRoot, error) {
	var roots []*types.TransferRoot
	if err := meddler.QueryAll(s.db, &roots, `
		SELECT * FROM transfer_root
		WHERE source_network = $1 AND dest_network = $2 AND token = $3 AND challenge_status = $4
		ORDER BY committed_at_block ASC, commit_log_index ASC;`,
		route.Source, route.Dest, route.Token, string(status)); err != nil {
		return nil, err
	}
	return roots, nil
}

// GetLastObservedRoot returns the observed root committed right before block and logIndex
func (s *SQLStorage) GetLastObservedRoot(route types.Route, block, logIndex uint64) (*types.TransferRoot, error) {
	root := &types.TransferRoot{}
	if err := meddler.QueryRow(s.db, root, `
		SELECT * FROM transfer_root
		WHERE source_network = $1 AND dest_network = $2 AND token = $3 AND observed = TRUE
			AND (committed_at_block < $4 OR (committed_at_block = $4 AND commit_log_index < $5))
		ORDER BY committed_at_block DESC, commit_log_index DESC
		LIMIT 1;`,
		route.Source, route.Dest, route.Token, block, logIndex); err != nil {
		return nil, getSelectQueryError("transfer root", err)
	}
	return root, nil
}

// MarkRootConfirmed flags the root as confirmed on its destination
func (s *SQLStorage) MarkRootConfirmed(ctx context.Context, hash common.Hash) error {
	res, err := s.db.ExecContext(ctx, "UPDATE transfer_root SET confirmed = TRUE WHERE root_hash = $1;", hash.Hex())
	if err != nil {
		return fmt.Errorf("error confirming root: %w", err)
	}
	return expectAffected(res, hash)
}

// UpdateChallenge stores the challenge status of a root
func (s *SQLStorage) UpdateChallenge(
	ctx context.Context, hash common.Hash, status types.ChallengeStatus, txHash common.Hash,
) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transfer_root SET challenge_status = $1, challenge_tx_hash = $2 WHERE root_hash = $3;",
		string(status), txHash.Hex(), hash.Hex())
	if err != nil {
		return fmt.Errorf("error updating challenge: %w", err)
	}
	return expectAffected(res, hash)
}

// SettleBonds marks the bonds of ids, and their transfers, as settled by txHash
func (s *SQLStorage) SettleBonds(
	ctx context.Context, rootHash common.Hash, ids []common.Hash, txHash common.Hash,
) (bool, error) {
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			s.rollback(tx)
		}
	}()

	root, err := getTransferRoot(tx, rootHash)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if _, err = tx.Exec(
			"UPDATE bonded_withdrawal SET settled = TRUE, settle_tx_hash = $1 WHERE transfer_id = $2;",
			txHash.Hex(), id.Hex()); err != nil {
			return false, fmt.Errorf("error settling bond %s: %w", id.Hex(), err)
		}
		if _, err = tx.Exec("UPDATE transfer SET status = $1 WHERE transfer_id = $2;",
			string(types.TransferSettled), id.Hex()); err != nil {
			return false, fmt.Errorf("error settling transfer %s: %w", id.Hex(), err)
		}
	}

	remaining := 0
	if len(root.TransferIDs) > 0 {
		query := "SELECT COUNT(1) FROM bonded_withdrawal WHERE settled = FALSE AND transfer_id IN (" +
			placeholders(1, len(root.TransferIDs)) + ");"
		if err = tx.QueryRow(query, hashesToArgs(root.TransferIDs)...).Scan(&remaining); err != nil {
			return false, err
		}
	}
	rootSettled := remaining == 0
	if rootSettled {
		if _, err = tx.Exec("UPDATE transfer_root SET settled = TRUE WHERE root_hash = $1;", rootHash.Hex()); err != nil {
			return false, fmt.Errorf("error settling root: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return rootSettled, nil
}

// GetStakeBalance returns the last known credit of a bonder
func (s *SQLStorage) GetStakeBalance(bonder common.Address, network, token string) (*types.StakeBalance, error) {
	balance := &types.StakeBalance{}
	if err := meddler.QueryRow(s.db, balance,
		"SELECT * FROM stake_balance WHERE bonder = $1 AND network = $2 AND token = $3;",
		bonder.Hex(), network, token); err != nil {
		return nil, getSelectQueryError("stake balance", err)
	}
	return balance, nil
}

// SaveStakeBalance inserts or replaces the credit of a bonder
func (s *SQLStorage) SaveStakeBalance(ctx context.Context, balance *types.StakeBalance) error {
	balance.UpdatedAt = timeNowFunc().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stake_balance (bonder, network, token, current_amount, last_rebalance_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bonder, network, token) DO UPDATE SET
			current_amount = excluded.current_amount,
			last_rebalance_at = excluded.last_rebalance_at,
			updated_at = excluded.updated_at;`,
		balance.Bonder.Hex(), balance.Network, balance.Token, balance.CurrentAmount.String(),
		balance.LastRebalanceAt, balance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error saving stake balance: %w", err)
	}
	return nil
}

// Summary aggregates the stored state
func (s *SQLStorage) Summary() (Summary, error) {
	summary := Summary{TransfersByStatus: map[types.TransferStatus]int{}}

	rows, err := s.db.Query("SELECT status, COUNT(1) FROM transfer GROUP BY status;")
	if err != nil {
		return summary, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, err
		}
		summary.TransfersByStatus[types.TransferStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	counters := []struct {
		dst   *int
		query string
	}{
		{&summary.FailedBonds, "SELECT COUNT(1) FROM transfer WHERE bond_failed = TRUE;"},
		{&summary.Bonds, "SELECT COUNT(1) FROM bonded_withdrawal;"},
		{&summary.RevertedBonds, "SELECT COUNT(1) FROM bonded_withdrawal WHERE reverted = TRUE;"},
		{&summary.UnconfirmedBonds,
			"SELECT COUNT(1) FROM bonded_withdrawal WHERE confirmed = FALSE AND reverted = FALSE;"},
		{&summary.UnsettledBonds, "SELECT COUNT(1) FROM bonded_withdrawal WHERE settled = FALSE AND reverted = FALSE;"},
		{&summary.UnsettledRoots, "SELECT COUNT(1) FROM transfer_root WHERE settled = FALSE;"},
		{&summary.PendingChallenges, "SELECT COUNT(1) FROM transfer_root WHERE challenge_status = 'pending';"},
	}
	for _, c := range counters {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return summary, err
		}
	}

	if err := meddler.QueryAll(s.db, &summary.Cursors,
		"SELECT * FROM sync_cursor ORDER BY network, watcher_kind;"); err != nil {
		return summary, err
	}
	return summary, nil
}

// Clear deletes every record
func (s *SQLStorage) Clear(ctx context.Context) error {
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.rollback(tx)
		}
	}()

	for _, table := range []string{"stake_balance", "bonded_withdrawal", "transfer_root", "transfer", "sync_cursor"} {
		if _, err = tx.Exec("DELETE FROM " + table + ";"); err != nil {
			return fmt.Errorf("error clearing %s: %w", table, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	s.logger.Warnf("cleared all the stored state")
	return nil
}
