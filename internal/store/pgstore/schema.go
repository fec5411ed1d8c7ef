package pgstore

import "context"

const sqlSchema = `
create table if not exists accounts (
	user_id    text primary key,
	credits    bigint not null default 0,
	updated_at timestamptz not null default now()
);

create table if not exists transactions (
	id              uuid primary key,
	user_id         text not null,
	action          text not null,
	amount          bigint not null,
	description     text not null default '',
	"references"    jsonb,
	balance_after   bigint not null,
	idempotency_key text not null,
	created_at      timestamptz not null default now()
);

create index if not exists idx_transactions_user_created
	on transactions (user_id, created_at desc);

create unique index if not exists uq_transactions_user_key
	on transactions (user_id, idempotency_key);

create table if not exists rewards (
	id          uuid primary key,
	user_id     text not null,
	type        text not null,
	value       bigint not null,
	status      text not null,
	granted_at  timestamptz not null,
	expires_at  timestamptz not null,
	consumed_at timestamptz
);

create index if not exists idx_rewards_user on rewards (user_id);
create index if not exists idx_rewards_status_expiry on rewards (status, expires_at);
`

// EnsureSchema creates the ledger tables when they do not exist yet.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}
