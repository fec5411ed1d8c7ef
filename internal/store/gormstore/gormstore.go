// Package gormstore implements the ledger and reward persistence contracts
// with GORM, against either PostgreSQL or SQLite.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/leadloop/points/internal/reward"
	"github.com/leadloop/points/pkg/points"
)

const (
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorSubjectReward      = "reward"
	errorCodeCreate         = "create"
	errorCodeDebit          = "debit"
	errorCodeCredit         = "credit"
	errorCodeDuplicate      = "duplicate"
	errorCodeExpire         = "expire"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSummarize      = "summarize"
	errorCodeUpdateStatus   = "update_status"

	// The conditional debit is the correctness core: one statement that
	// checks and decrements in a single atomic step, refusing any update
	// that would take the balance negative.
	sqlTryDebit = `
		update accounts
		set credits = credits - ?, updated_at = ?
		where user_id = ? and credits >= ?
		returning credits, updated_at
	`

	sqlCredit = `
		update accounts
		set credits = credits + ?, updated_at = ?
		where user_id = ?
		returning credits, updated_at
	`
)

// Store implements points.Store and reward.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate prepares the schema. Used for SQLite deployments; PostgreSQL
// schemas are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &Transaction{}, &Reward{})
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) EnsureAccount(ctx context.Context, userID points.UserID, initial points.Credits) (points.Balance, bool, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if err == nil {
		balance, mapError := mapBalance(account)
		return balance, false, mapError
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Balance{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	account = Account{UserID: userID.String(), Credits: initial.Int64(), UpdatedAt: time.Now().UTC()}
	createError := store.db.WithContext(ctx).Create(&account).Error
	if isDuplicateKey(createError) {
		// Raced another provisioning call; the row exists now.
		if lookupError := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error; lookupError != nil {
			return points.Balance{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, lookupError)
		}
		balance, mapError := mapBalance(account)
		return balance, false, mapError
	}
	if createError != nil {
		return points.Balance{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, createError)
	}
	balance, mapError := mapBalance(account)
	return balance, true, mapError
}

func (store *Store) GetBalance(ctx context.Context, userID points.UserID) (points.Balance, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, points.ErrNotFound)
	}
	if err != nil {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapBalance(account)
}

func (store *Store) TryDebit(ctx context.Context, userID points.UserID, amount points.PositiveAmount) (points.Balance, error) {
	var row Account
	result := store.db.WithContext(ctx).Raw(sqlTryDebit, amount.Int64(), time.Now().UTC(), userID.String(), amount.Int64()).Scan(&row)
	if isSerializationFailure(result.Error) {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, points.ErrConflict)
	}
	if result.Error != nil {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		var account Account
		lookupError := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
		if errors.Is(lookupError, gorm.ErrRecordNotFound) {
			return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, points.ErrNotFound)
		}
		if lookupError != nil {
			return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, lookupError)
		}
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, points.ErrInsufficientBalance)
	}
	return mapBalance(row)
}

func (store *Store) Credit(ctx context.Context, userID points.UserID, amount points.PositiveAmount) (points.Balance, error) {
	var row Account
	result := store.db.WithContext(ctx).Raw(sqlCredit, amount.Int64(), time.Now().UTC(), userID.String()).Scan(&row)
	if isSerializationFailure(result.Error) {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeCredit, points.ErrConflict)
	}
	if result.Error != nil {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeCredit, result.Error)
	}
	if result.RowsAffected > 0 {
		return mapBalance(row)
	}
	// First credit provisions the account.
	account := Account{UserID: userID.String(), Credits: amount.Int64(), UpdatedAt: time.Now().UTC()}
	createError := store.db.WithContext(ctx).Create(&account).Error
	if isDuplicateKey(createError) {
		// Raced another first credit; report a conflict so the service retries
		// against the now-existing row.
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeCredit, points.ErrConflict)
	}
	if createError != nil {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeCredit, createError)
	}
	return mapBalance(account)
}

func (store *Store) AppendTransaction(ctx context.Context, transaction points.Transaction) (points.Transaction, error) {
	model, err := transactionModel(transaction)
	if err != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	createError := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(createError) {
		existing, found, lookupError := store.FindTransactionByKey(ctx, transaction.UserID, transaction.IdempotencyKey)
		if lookupError != nil {
			return points.Transaction{}, lookupError
		}
		if !found {
			return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, createError)
		}
		return existing, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, points.ErrDuplicateIdempotencyKey)
	}
	if createError != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, createError)
	}
	recorded, mapError := mapTransaction(model)
	if mapError != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, mapError)
	}
	return recorded, nil
}

func (store *Store) FindTransactionByKey(ctx context.Context, userID points.UserID, key points.IdempotencyKey) (points.Transaction, bool, error) {
	var model Transaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), key.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Transaction{}, false, nil
	}
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, mapError := mapTransaction(model)
	if mapError != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, mapError)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID points.UserID, filter points.TransactionFilter, page points.Page) ([]points.Transaction, int64, error) {
	query := store.db.WithContext(ctx).Model(&Transaction{}).Where("user_id = ?", userID.String())
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action.String())
	}
	if filter.FromUnixUTC > 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.ToUnixUTC > 0 {
		query = query.Where("created_at <= ?", time.Unix(filter.ToUnixUTC, 0).UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	var rows []Transaction
	err := query.
		Order("created_at DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]points.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, mapError := mapTransaction(row)
		if mapError != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, mapError)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, total, nil
}

func (store *Store) Summarize(ctx context.Context, userID points.UserID) (points.Summary, error) {
	var rows []actionSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("action, coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID.String()).
		Group("action").
		Scan(&rows).Error
	if err != nil {
		return points.Summary{}, wrapStoreError(errorSubjectTransaction, errorCodeSummarize, err)
	}
	var summary points.Summary
	for _, row := range rows {
		switch points.ActionType(row.Action) {
		case points.ActionSpend:
			summary.TotalSpent += -row.Total
		case points.ActionPurchase, points.ActionSubscription:
			summary.TotalPurchased += row.Total
		default:
			summary.TotalEarned += row.Total
		}
	}
	return summary, nil
}

func (store *Store) CreateReward(ctx context.Context, record reward.Reward) error {
	model := rewardModel(record)
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReward(ctx context.Context, rewardID string) (reward.Reward, error) {
	var model Reward
	err := store.db.WithContext(ctx).Where("id = ?", rewardID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, reward.ErrUnknownReward)
	}
	if err != nil {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	record, mapError := mapReward(model)
	if mapError != nil {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, mapError)
	}
	return record, nil
}

func (store *Store) UpdateRewardStatus(ctx context.Context, rewardID string, from reward.Status, to reward.Status, atUnixUTC int64) error {
	updates := map[string]interface{}{"status": to.String()}
	if to == reward.StatusConsumed {
		consumedAt := time.Unix(atUnixUTC, 0).UTC()
		updates["consumed_at"] = &consumedAt
	}
	result := store.db.WithContext(ctx).
		Model(&Reward{}).
		Where("id = ? AND status = ?", rewardID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReward, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReward, errorCodeUpdateStatus, reward.ErrRewardClosed)
	}
	return nil
}

func (store *Store) ExpireDueRewards(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Reward{}).
		Where("status = ? AND expires_at <= ?", reward.StatusActive.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Update("status", reward.StatusExpired.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectReward, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

type actionSum struct {
	Action string
	Total  int64
}

func mapBalance(account Account) (points.Balance, error) {
	credits, err := points.NewCredits(account.Credits)
	if err != nil {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return points.Balance{Credits: credits, UpdatedUnixUTC: account.UpdatedAt.Unix()}, nil
}

func transactionModel(transaction points.Transaction) (Transaction, error) {
	references, err := json.Marshal(transaction.References)
	if err != nil {
		return Transaction{}, err
	}
	createdAt := time.Unix(transaction.CreatedUnixUTC, 0).UTC()
	if transaction.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	return Transaction{
		ID:             transaction.ID,
		UserID:         transaction.UserID.String(),
		Action:         transaction.Action.String(),
		Amount:         transaction.Amount.Int64(),
		Description:    transaction.Description.String(),
		References:     references,
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		IdempotencyKey: transaction.IdempotencyKey.String(),
		CreatedAt:      createdAt,
	}, nil
}

func mapTransaction(model Transaction) (points.Transaction, error) {
	userID, err := points.NewUserID(model.UserID)
	if err != nil {
		return points.Transaction{}, err
	}
	action, err := points.ParseActionType(model.Action)
	if err != nil {
		return points.Transaction{}, err
	}
	description, err := points.NewDescription(model.Description)
	if err != nil {
		return points.Transaction{}, err
	}
	idempotencyKey, err := points.NewIdempotencyKey(model.IdempotencyKey)
	if err != nil {
		return points.Transaction{}, err
	}
	balanceAfter, err := points.NewCredits(model.BalanceAfter)
	if err != nil {
		return points.Transaction{}, err
	}
	var references points.ReferenceIDs
	if len(model.References) > 0 {
		if err := json.Unmarshal(model.References, &references); err != nil {
			return points.Transaction{}, err
		}
	}
	return points.Transaction{
		ID:             model.ID,
		UserID:         userID,
		Action:         action,
		Amount:         points.SignedAmount(model.Amount),
		Description:    description,
		References:     references,
		BalanceAfter:   balanceAfter,
		IdempotencyKey: idempotencyKey,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func rewardModel(record reward.Reward) Reward {
	model := Reward{
		ID:        record.ID,
		UserID:    record.UserID.String(),
		Type:      record.Type.String(),
		Value:     record.Value.Int64(),
		Status:    record.Status.String(),
		GrantedAt: time.Unix(record.GrantedUnixUTC, 0).UTC(),
		ExpiresAt: time.Unix(record.ExpiresUnixUTC, 0).UTC(),
	}
	if record.ConsumedUnixUTC != 0 {
		consumedAt := time.Unix(record.ConsumedUnixUTC, 0).UTC()
		model.ConsumedAt = &consumedAt
	}
	return model
}

func mapReward(model Reward) (reward.Reward, error) {
	userID, err := points.NewUserID(model.UserID)
	if err != nil {
		return reward.Reward{}, err
	}
	rewardType, err := reward.NewType(model.Type)
	if err != nil {
		return reward.Reward{}, err
	}
	value, err := points.NewPositiveAmount(model.Value)
	if err != nil {
		return reward.Reward{}, err
	}
	status, err := reward.ParseStatus(model.Status)
	if err != nil {
		return reward.Reward{}, err
	}
	record := reward.Reward{
		ID:             model.ID,
		UserID:         userID,
		Type:           rewardType,
		Value:          value,
		Status:         status,
		GrantedUnixUTC: model.GrantedAt.Unix(),
		ExpiresUnixUTC: model.ExpiresAt.Unix(),
	}
	if model.ConsumedAt != nil {
		record.ConsumedUnixUTC = model.ConsumedAt.Unix()
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
