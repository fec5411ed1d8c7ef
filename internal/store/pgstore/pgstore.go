// Package pgstore implements the ledger and reward persistence contracts
// directly over a pgx connection pool, for deployments that want the raw
// PostgreSQL path instead of GORM.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadloop/points/internal/reward"
	"github.com/leadloop/points/pkg/points"
)

const (
	pgUniqueViolationCode  = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorSubjectReward      = "reward"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
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

	sqlEnsureAccount = `
		insert into accounts(user_id, credits, updated_at)
		values($1, $2, now())
		on conflict (user_id) do nothing
		returning credits, extract(epoch from updated_at)::bigint
	`

	sqlSelectBalance = `
		select credits, extract(epoch from updated_at)::bigint
		from accounts where user_id = $1
	`

	sqlTryDebit = `
		update accounts
		set credits = credits - $2, updated_at = now()
		where user_id = $1 and credits >= $2
		returning credits, extract(epoch from updated_at)::bigint
	`

	sqlCredit = `
		update accounts
		set credits = credits + $2, updated_at = now()
		where user_id = $1
		returning credits, extract(epoch from updated_at)::bigint
	`

	sqlInsertTransaction = `
		insert into transactions(
			id, user_id, action, amount, description, "references", balance_after, idempotency_key, created_at
		)
		values($1, $2, $3, $4, $5, $6::jsonb, $7, $8, to_timestamp($9))
	`

	sqlSelectTransactionByKey = `
		select id, user_id, action, amount, description, coalesce("references"::text,'{}'),
			balance_after, idempotency_key, extract(epoch from created_at)::bigint
		from transactions
		where user_id = $1 and idempotency_key = $2
	`

	sqlSummarize = `
		select action, coalesce(sum(amount),0)
		from transactions
		where user_id = $1
		group by action
	`

	sqlInsertReward = `
		insert into rewards(id, user_id, type, value, status, granted_at, expires_at)
		values($1, $2, $3, $4, $5, to_timestamp($6), to_timestamp($7))
	`

	sqlSelectReward = `
		select id, user_id, type, value, status,
			extract(epoch from granted_at)::bigint,
			extract(epoch from expires_at)::bigint,
			coalesce(extract(epoch from consumed_at)::bigint, 0)
		from rewards where id = $1
	`

	sqlUpdateRewardStatus = `
		update rewards
		set status = $3, consumed_at = case when $3 = 'consumed' then to_timestamp($4) else consumed_at end
		where id = $1 and status = $2
	`

	sqlExpireDueRewards = `
		update rewards
		set status = 'expired'
		where status = 'active' and expires_at <= to_timestamp($1)
	`
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements points.Store and reward.Store over pgx. The zero pool
// variant (inside WithTx) routes every call through the open transaction.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx executes fn within a transaction. Nested calls reuse the open one.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, userID points.UserID, initial points.Credits) (points.Balance, bool, error) {
	var (
		creditsValue   int64
		updatedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlEnsureAccount, userID.String(), initial.Int64()).Scan(&creditsValue, &updatedUnixUTC)
	if err == nil {
		balance, mapError := mapBalance(creditsValue, updatedUnixUTC)
		return balance, true, mapError
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return points.Balance{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	balance, lookupError := store.GetBalance(ctx, userID)
	if lookupError != nil {
		return points.Balance{}, false, lookupError
	}
	return balance, false, nil
}

func (store *Store) GetBalance(ctx context.Context, userID points.UserID) (points.Balance, error) {
	var (
		creditsValue   int64
		updatedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&creditsValue, &updatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, points.ErrNotFound)
	}
	if err != nil {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapBalance(creditsValue, updatedUnixUTC)
}

func (store *Store) TryDebit(ctx context.Context, userID points.UserID, amount points.PositiveAmount) (points.Balance, error) {
	var (
		creditsValue   int64
		updatedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlTryDebit, userID.String(), amount.Int64()).Scan(&creditsValue, &updatedUnixUTC)
	if err == nil {
		return mapBalance(creditsValue, updatedUnixUTC)
	}
	if isSerializationFailure(err) {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, points.ErrConflict)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	if _, lookupError := store.GetBalance(ctx, userID); lookupError != nil {
		if errors.Is(lookupError, points.ErrNotFound) {
			return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, points.ErrNotFound)
		}
		return points.Balance{}, lookupError
	}
	return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, points.ErrInsufficientBalance)
}

func (store *Store) Credit(ctx context.Context, userID points.UserID, amount points.PositiveAmount) (points.Balance, error) {
	var (
		creditsValue   int64
		updatedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlCredit, userID.String(), amount.Int64()).Scan(&creditsValue, &updatedUnixUTC)
	if err == nil {
		return mapBalance(creditsValue, updatedUnixUTC)
	}
	if isSerializationFailure(err) {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeCredit, points.ErrConflict)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeCredit, err)
	}
	initial, initialError := points.NewCredits(amount.Int64())
	if initialError != nil {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, initialError)
	}
	balance, created, ensureError := store.EnsureAccount(ctx, userID, initial)
	if ensureError != nil {
		return points.Balance{}, ensureError
	}
	if !created {
		// Raced another first credit; let the service retry the update path.
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeCredit, points.ErrConflict)
	}
	return balance, nil
}

func (store *Store) AppendTransaction(ctx context.Context, transaction points.Transaction) (points.Transaction, error) {
	references, marshalError := json.Marshal(transaction.References)
	if marshalError != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, marshalError)
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.UserID.String(),
		transaction.Action.String(),
		transaction.Amount.Int64(),
		transaction.Description.String(),
		string(references),
		transaction.BalanceAfter.Int64(),
		transaction.IdempotencyKey.String(),
		transaction.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		existing, found, lookupError := store.FindTransactionByKey(ctx, transaction.UserID, transaction.IdempotencyKey)
		if lookupError != nil {
			return points.Transaction{}, lookupError
		}
		if !found {
			return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
		}
		return existing, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, points.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store *Store) FindTransactionByKey(ctx context.Context, userID points.UserID, key points.IdempotencyKey) (points.Transaction, bool, error) {
	row := store.db.QueryRow(ctx, sqlSelectTransactionByKey, userID.String(), key.String())
	transaction, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Transaction{}, false, nil
	}
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID points.UserID, filter points.TransactionFilter, page points.Page) ([]points.Transaction, int64, error) {
	conditions := "user_id = $1"
	args := []any{userID.String()}
	if filter.Action != "" {
		args = append(args, filter.Action.String())
		conditions += fmt.Sprintf(" and action = $%d", len(args))
	}
	if filter.FromUnixUTC > 0 {
		args = append(args, filter.FromUnixUTC)
		conditions += fmt.Sprintf(" and created_at >= to_timestamp($%d)", len(args))
	}
	if filter.ToUnixUTC > 0 {
		args = append(args, filter.ToUnixUTC)
		conditions += fmt.Sprintf(" and created_at <= to_timestamp($%d)", len(args))
	}

	var total int64
	countSQL := "select count(*) from transactions where " + conditions
	if err := store.db.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	listSQL := fmt.Sprintf(`
		select id, user_id, action, amount, description, coalesce("references"::text,'{}'),
			balance_after, idempotency_key, extract(epoch from created_at)::bigint
		from transactions
		where %s
		order by created_at desc
		limit $%d offset $%d
	`, conditions, len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset)

	rows, err := store.db.Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]points.Transaction, 0, page.Limit)
	for rows.Next() {
		transaction, scanError := scanTransaction(rows)
		if scanError != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, scanError)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, total, nil
}

func (store *Store) Summarize(ctx context.Context, userID points.UserID) (points.Summary, error) {
	rows, err := store.db.Query(ctx, sqlSummarize, userID.String())
	if err != nil {
		return points.Summary{}, wrapStoreError(errorSubjectTransaction, errorCodeSummarize, err)
	}
	defer rows.Close()

	var summary points.Summary
	for rows.Next() {
		var (
			actionValue string
			totalValue  int64
		)
		if err := rows.Scan(&actionValue, &totalValue); err != nil {
			return points.Summary{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		switch points.ActionType(actionValue) {
		case points.ActionSpend:
			summary.TotalSpent += -totalValue
		case points.ActionPurchase, points.ActionSubscription:
			summary.TotalPurchased += totalValue
		default:
			summary.TotalEarned += totalValue
		}
	}
	if err := rows.Err(); err != nil {
		return points.Summary{}, wrapStoreError(errorSubjectTransaction, errorCodeSummarize, err)
	}
	return summary, nil
}

func (store *Store) CreateReward(ctx context.Context, record reward.Reward) error {
	_, err := store.db.Exec(ctx, sqlInsertReward,
		record.ID,
		record.UserID.String(),
		record.Type.String(),
		record.Value.Int64(),
		record.Status.String(),
		record.GrantedUnixUTC,
		record.ExpiresUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReward(ctx context.Context, rewardID string) (reward.Reward, error) {
	var (
		idValue         string
		userIDValue     string
		typeValue       string
		valueAmount     int64
		statusValue     string
		grantedUnixUTC  int64
		expiresUnixUTC  int64
		consumedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectReward, rewardID).Scan(
		&idValue,
		&userIDValue,
		&typeValue,
		&valueAmount,
		&statusValue,
		&grantedUnixUTC,
		&expiresUnixUTC,
		&consumedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, reward.ErrUnknownReward)
	}
	if err != nil {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	userID, err := points.NewUserID(userIDValue)
	if err != nil {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	rewardType, err := reward.NewType(typeValue)
	if err != nil {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	value, err := points.NewPositiveAmount(valueAmount)
	if err != nil {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	status, err := reward.ParseStatus(statusValue)
	if err != nil {
		return reward.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	return reward.Reward{
		ID:              idValue,
		UserID:          userID,
		Type:            rewardType,
		Value:           value,
		Status:          status,
		GrantedUnixUTC:  grantedUnixUTC,
		ExpiresUnixUTC:  expiresUnixUTC,
		ConsumedUnixUTC: consumedUnixUTC,
	}, nil
}

func (store *Store) UpdateRewardStatus(ctx context.Context, rewardID string, from reward.Status, to reward.Status, atUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateRewardStatus, rewardID, from.String(), to.String(), atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReward, errorCodeUpdateStatus, reward.ErrRewardClosed)
	}
	return nil
}

func (store *Store) ExpireDueRewards(ctx context.Context, nowUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlExpireDueRewards, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReward, errorCodeExpire, err)
	}
	return tag.RowsAffected(), nil
}

func scanTransaction(row pgx.Row) (points.Transaction, error) {
	var (
		idValue          string
		userIDValue      string
		actionValue      string
		amountValue      int64
		descriptionValue string
		referencesValue  string
		balanceAfter     int64
		idempotencyValue string
		createdUnixUTC   int64
	)
	if err := row.Scan(
		&idValue,
		&userIDValue,
		&actionValue,
		&amountValue,
		&descriptionValue,
		&referencesValue,
		&balanceAfter,
		&idempotencyValue,
		&createdUnixUTC,
	); err != nil {
		return points.Transaction{}, err
	}
	userID, err := points.NewUserID(userIDValue)
	if err != nil {
		return points.Transaction{}, err
	}
	action, err := points.ParseActionType(actionValue)
	if err != nil {
		return points.Transaction{}, err
	}
	description, err := points.NewDescription(descriptionValue)
	if err != nil {
		return points.Transaction{}, err
	}
	idempotencyKey, err := points.NewIdempotencyKey(idempotencyValue)
	if err != nil {
		return points.Transaction{}, err
	}
	credits, err := points.NewCredits(balanceAfter)
	if err != nil {
		return points.Transaction{}, err
	}
	var references points.ReferenceIDs
	if referencesValue != "" {
		if err := json.Unmarshal([]byte(referencesValue), &references); err != nil {
			return points.Transaction{}, err
		}
	}
	return points.Transaction{
		ID:             idValue,
		UserID:         userID,
		Action:         action,
		Amount:         points.SignedAmount(amountValue),
		Description:    description,
		References:     references,
		BalanceAfter:   credits,
		IdempotencyKey: idempotencyKey,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func mapBalance(creditsValue int64, updatedUnixUTC int64) (points.Balance, error) {
	credits, err := points.NewCredits(creditsValue)
	if err != nil {
		return points.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return points.Balance{Credits: credits, UpdatedUnixUTC: updatedUnixUTC}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
