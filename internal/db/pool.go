package db

import "github.com/jmoiron/sqlx"

// Pool pairs the single-connection writer with the read-only reader pool.
// With WAL mode this lets SELECTs proceed concurrently while INSERT/UPDATE/
// DELETE serialize through the writer.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// The two may share a *sqlx.DB in tests; avoid a double close.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
