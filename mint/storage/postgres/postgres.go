// Package postgres implements storage.MintDB against a Postgres database,
// reached through database/sql with the pgx stdlib driver.
package postgres

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/lib/pq"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/cashu/nuts/nut05"
	"github.com/elnosh/mintd/crypto"
	"github.com/elnosh/mintd/mint/storage"
)

//go:embed migrations
var migrations embed.FS

type PostgresDB struct {
	db *sql.DB
}

// Open connects to pgURL (a postgres:// DSN) and runs pending migrations.
func Open(pgURL string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", pgURL)
	if err != nil {
		return nil, fmt.Errorf("error opening postgres connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error pinging postgres: %v", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("error running migrations: %v", err)
	}

	return &PostgresDB{db: db}, nil
}

func (pg *PostgresDB) Close() error {
	return pg.db.Close()
}

func (pg *PostgresDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := pg.db.Exec(`
		INSERT INTO keysets (id, unit, active, derivation_path_idx, input_fee_ppk)
		VALUES ($1, $2, $3, $4, $5)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.DerivationPathIdx, keyset.InputFeePpk)
	return err
}

func (pg *PostgresDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := pg.db.Query(`SELECT id, unit, active, derivation_path_idx, input_fee_ppk FROM keysets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		if err := rows.Scan(&keyset.Id, &keyset.Unit, &keyset.Active,
			&keyset.DerivationPathIdx, &keyset.InputFeePpk); err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, rows.Err()
}

func (pg *PostgresDB) UpdateKeysetActive(id string, active bool) error {
	result, err := pg.db.Exec(`UPDATE keysets SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("keyset was not updated")
	}
	return nil
}

func (pg *PostgresDB) SaveProofs(proofs cashu.Proofs) error {
	tx, err := pg.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO proofs (y, amount, keyset_id, secret, c, witness) VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		if _, err := stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (pg *PostgresDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return nil, sql.ErrNoRows
	}
	proofs := []storage.DBProof{}
	query := `SELECT y, amount, keyset_id, secret, c, witness FROM proofs WHERE y = ANY($1)`

	rows, err := pg.db.Query(query, stringArray(Ys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString
		if err := rows.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C, &witness); err != nil {
			return nil, err
		}
		proof.Witness = witness.String
		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func (pg *PostgresDB) AddPendingProofs(proofs cashu.Proofs, quoteId string) error {
	tx, err := pg.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO pending_proofs (y, amount, keyset_id, secret, c, witness, melt_quote_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		if _, err := stmt.Exec(hex.EncodeToString(Y.SerializeCompressed()), proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness, quoteId); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (pg *PostgresDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return nil, sql.ErrNoRows
	}
	proofs := []storage.DBProof{}
	rows, err := pg.db.Query(`
		SELECT y, amount, keyset_id, secret, c, witness, melt_quote_id FROM pending_proofs WHERE y = ANY($1)
	`, stringArray(Ys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString
		if err := rows.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C, &witness, &proof.MeltQuoteId); err != nil {
			return nil, err
		}
		proof.Witness = witness.String
		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func (pg *PostgresDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	rows, err := pg.db.Query(`
		SELECT y, amount, keyset_id, secret, c, witness, melt_quote_id FROM pending_proofs WHERE melt_quote_id = $1
	`, quoteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString
		if err := rows.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C, &witness, &proof.MeltQuoteId); err != nil {
			return nil, err
		}
		proof.Witness = witness.String
		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func (pg *PostgresDB) RemovePendingProofs(Ys []string) error {
	if len(Ys) == 0 {
		return nil
	}
	_, err := pg.db.Exec(`DELETE FROM pending_proofs WHERE y = ANY($1)`, stringArray(Ys))
	return err
}

// ReserveProofs locks Ys against concurrent insertion into either proofs
// or pending_proofs with a per-key pg_advisory_xact_lock -- a fresh proof
// has no row yet for SELECT ... FOR UPDATE to lock, so the lock is taken on
// the key itself and released automatically at transaction end. It then
// checks neither set already holds any of Ys, calls fn (the signer verify
// round trip), and on success inserts proofs into pending_proofs (tagged
// with quoteId) or proofs, all inside the same transaction.
func (pg *PostgresDB) ReserveProofs(proofs cashu.Proofs, Ys []string, pending bool, quoteId string, fn func() error) error {
	tx, err := pg.db.Begin()
	if err != nil {
		return err
	}

	for _, y := range Ys {
		if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext($1))`, y); err != nil {
			tx.Rollback()
			return err
		}
	}

	usedRows, err := tx.Query(`SELECT y FROM proofs WHERE y = ANY($1) LIMIT 1`, stringArray(Ys))
	if err != nil {
		tx.Rollback()
		return err
	}
	usedExists := usedRows.Next()
	usedRows.Close()
	if usedExists {
		tx.Rollback()
		return cashu.ProofAlreadyUsedErr
	}

	pendingRows, err := tx.Query(`SELECT y FROM pending_proofs WHERE y = ANY($1) LIMIT 1`, stringArray(Ys))
	if err != nil {
		tx.Rollback()
		return err
	}
	pendingExists := pendingRows.Next()
	pendingRows.Close()
	if pendingExists {
		tx.Rollback()
		return cashu.ProofPendingErr
	}

	if err := fn(); err != nil {
		tx.Rollback()
		return err
	}

	query := `INSERT INTO proofs (y, amount, keyset_id, secret, c, witness) VALUES ($1, $2, $3, $4, $5, $6)`
	if pending {
		query = `
			INSERT INTO pending_proofs (y, amount, keyset_id, secret, c, witness, melt_quote_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		if pending {
			_, err = stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness, quoteId)
		} else {
			_, err = stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (pg *PostgresDB) SaveMintQuote(quote storage.MintQuote) error {
	_, err := pg.db.Exec(`
		INSERT INTO mint_quotes (id, amount, unit, payment_request, payment_hash, state, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, quote.Id, quote.Amount, quote.Unit, quote.PaymentRequest, quote.PaymentHash, int(quote.State), quote.Expiry)
	return err
}

func scanMintQuote(row *sql.Row) (storage.MintQuote, error) {
	var quote storage.MintQuote
	var state int
	err := row.Scan(&quote.Id, &quote.Amount, &quote.Unit, &quote.PaymentRequest,
		&quote.PaymentHash, &state, &quote.Expiry)
	quote.State = nut04.State(state)
	return quote, err
}

func (pg *PostgresDB) GetMintQuote(id string) (storage.MintQuote, error) {
	row := pg.db.QueryRow(`
		SELECT id, amount, unit, payment_request, payment_hash, state, expiry FROM mint_quotes WHERE id = $1
	`, id)
	return scanMintQuote(row)
}

func (pg *PostgresDB) GetMintQuoteByPaymentHash(hash string) (storage.MintQuote, error) {
	row := pg.db.QueryRow(`
		SELECT id, amount, unit, payment_request, payment_hash, state, expiry FROM mint_quotes WHERE payment_hash = $1
	`, hash)
	return scanMintQuote(row)
}

func (pg *PostgresDB) UpdateMintQuoteState(id string, state nut04.State) error {
	_, err := pg.db.Exec(`UPDATE mint_quotes SET state = $1 WHERE id = $2`, int(state), id)
	return err
}

// IssueMintQuote locks quoteId's row with SELECT ... FOR UPDATE for the
// life of the transaction, hands the locked quote to fn, and commits the
// Paid->Issued transition alongside whatever fn did only if fn succeeds.
// A second caller racing on the same quote blocks on the row lock until
// this transaction commits or rolls back, then sees the authoritative
// state -- so two concurrent Execute calls against one quote, even with
// different outputs, can never both pass fn and get signed.
func (pg *PostgresDB) IssueMintQuote(quoteId string, fn func(storage.MintQuote) (cashu.BlindedSignatures, error)) (cashu.BlindedSignatures, error) {
	tx, err := pg.db.Begin()
	if err != nil {
		return nil, err
	}

	var quote storage.MintQuote
	var state int
	row := tx.QueryRow(`
		SELECT id, amount, unit, payment_request, payment_hash, state, expiry
		FROM mint_quotes WHERE id = $1 FOR UPDATE
	`, quoteId)
	if err := row.Scan(&quote.Id, &quote.Amount, &quote.Unit, &quote.PaymentRequest,
		&quote.PaymentHash, &state, &quote.Expiry); err != nil {
		tx.Rollback()
		return nil, err
	}
	quote.State = nut04.State(state)

	sigs, err := fn(quote)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE mint_quotes SET state = $1 WHERE id = $2`, int(nut04.Issued), quoteId); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sigs, nil
}

func (pg *PostgresDB) SaveMeltQuote(quote storage.MeltQuote) error {
	_, err := pg.db.Exec(`
		INSERT INTO melt_quotes (id, method, unit, invoice_request, payment_hash, amount, fee_reserve, state, expiry, preimage, transfer_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, quote.Id, quote.Method, quote.Unit, quote.InvoiceRequest, quote.PaymentHash, quote.Amount,
		quote.FeeReserve, int(quote.State), quote.Expiry, quote.Preimage, pq.Array(quote.TransferIds))
	return err
}

func scanMeltQuote(row *sql.Row) (storage.MeltQuote, error) {
	var quote storage.MeltQuote
	var state int
	err := row.Scan(&quote.Id, &quote.Method, &quote.Unit, &quote.InvoiceRequest, &quote.PaymentHash,
		&quote.Amount, &quote.FeeReserve, &state, &quote.Expiry, &quote.Preimage, pq.Array(&quote.TransferIds))
	quote.State = nut05.State(state)
	return quote, err
}

func (pg *PostgresDB) GetMeltQuote(id string) (storage.MeltQuote, error) {
	row := pg.db.QueryRow(`
		SELECT id, method, unit, invoice_request, payment_hash, amount, fee_reserve, state, expiry, preimage, transfer_ids
		FROM melt_quotes WHERE id = $1
	`, id)
	return scanMeltQuote(row)
}

func (pg *PostgresDB) GetMeltQuoteByPaymentHash(hash string) (storage.MeltQuote, error) {
	row := pg.db.QueryRow(`
		SELECT id, method, unit, invoice_request, payment_hash, amount, fee_reserve, state, expiry, preimage, transfer_ids
		FROM melt_quotes WHERE payment_hash = $1
	`, hash)
	return scanMeltQuote(row)
}

func (pg *PostgresDB) UpdateMeltQuote(id, preimage string, transferIds []string, state nut05.State) error {
	_, err := pg.db.Exec(`
		UPDATE melt_quotes SET state = $1, preimage = $2, transfer_ids = $3 WHERE id = $4
	`, int(state), preimage, pq.Array(transferIds), id)
	return err
}

func (pg *PostgresDB) SaveBlindSignature(B_ string, sig cashu.BlindedSignature) error {
	var e, s string
	if sig.DLEQ != nil {
		e, s = sig.DLEQ.E, sig.DLEQ.S
	}
	_, err := pg.db.Exec(`
		INSERT INTO blind_signatures (b_, amount, keyset_id, c_, e, s) VALUES ($1, $2, $3, $4, $5, $6)
	`, B_, sig.Amount, sig.Id, sig.C_, e, s)
	return err
}

func scanBlindSignature(amount uint64, keysetId, C_ string, e, s sql.NullString) cashu.BlindedSignature {
	sig := cashu.BlindedSignature{Amount: amount, Id: keysetId, C_: C_}
	if e.Valid && s.Valid {
		sig.DLEQ = &cashu.DLEQProof{E: e.String, S: s.String}
	}
	return sig
}

func (pg *PostgresDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	var amount uint64
	var keysetId, C_ string
	var e, s sql.NullString
	row := pg.db.QueryRow(`SELECT amount, keyset_id, c_, e, s FROM blind_signatures WHERE b_ = $1`, B_)
	if err := row.Scan(&amount, &keysetId, &C_, &e, &s); err != nil {
		return cashu.BlindedSignature{}, err
	}
	return scanBlindSignature(amount, keysetId, C_, e, s), nil
}

func (pg *PostgresDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	if len(B_s) == 0 {
		return nil, nil
	}
	sigs := cashu.BlindedSignatures{}
	rows, err := pg.db.Query(`SELECT amount, keyset_id, c_, e, s FROM blind_signatures WHERE b_ = ANY($1)`, stringArray(B_s))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var amount uint64
		var keysetId, C_ string
		var e, s sql.NullString
		if err := rows.Scan(&amount, &keysetId, &C_, &e, &s); err != nil {
			return nil, err
		}
		sigs = append(sigs, scanBlindSignature(amount, keysetId, C_, e, s))
	}

	return sigs, rows.Err()
}

// GetBalance returns total issued ecash minus total redeemed ecash.
func (pg *PostgresDB) GetBalance() (uint64, error) {
	var issued, redeemed uint64
	if err := pg.db.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM blind_signatures`).Scan(&issued); err != nil {
		return 0, err
	}
	if err := pg.db.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM proofs`).Scan(&redeemed); err != nil {
		return 0, err
	}
	if redeemed > issued {
		return 0, nil
	}
	return issued - redeemed, nil
}

// stringArray renders a Go string slice as a Postgres text array literal,
// usable with = ANY($1) without requiring the pq or pgx array helper types.
func stringArray(ss []string) string {
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}
