// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flowstate

import (
	"strings"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

type (
	// Transaction is one request/response exchange of an HTTP flow,
	// addressed by an ascending zero-based index.
	Transaction struct {
		id uint64

		Method   string
		URL      string
		Hostname string
		Protocol string
		Status   int
		Length   int64

		// request header names are stored folded to lower case
		requestHeaders map[string]string
	}

	// HTTPState is the per-flow transaction store.
	// It is not safe for concurrent use on its own: readers go through
	// Flow.Inspect, the parser owns the write side.
	HTTPState struct {
		txs        *btree.BTreeG[*Transaction]
		nextTxID   uint64
		loggedTxID uint64
	}
)

var errInvalidHeader = errors.New("invalid request header")

func txLessThanFunc(a, b *Transaction) bool {
	return a.id < b.id
}

func NewHTTPState() *HTTPState {
	return &HTTPState{txs: btree.NewG[*Transaction](2, txLessThanFunc)}
}

func (tx *Transaction) ID() uint64 {
	return tx.id
}

// SetRequestHeader records a request header; names and values that are
// not valid header field tokens are rejected.
func (tx *Transaction) SetRequestHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return errors.Wrap(errInvalidHeader, name)
	}
	if tx.requestHeaders == nil {
		tx.requestHeaders = make(map[string]string)
	}
	tx.requestHeaders[strings.ToLower(name)] = value
	return nil
}

// RequestHeader looks up a request header value by case-insensitive name.
func (tx *Transaction) RequestHeader(name string) (string, bool) {
	value, ok := tx.requestHeaders[strings.ToLower(name)]
	return value, ok
}

// CreateTx appends a new transaction at the next ascending index.
func (s *HTTPState) CreateTx() *Transaction {
	tx := &Transaction{id: s.nextTxID}
	s.nextTxID += 1
	s.txs.ReplaceOrInsert(tx)
	return tx
}

func (s *HTTPState) TxCount() uint64 {
	return uint64(s.txs.Len())
}

func (s *HTTPState) Tx(id uint64) (*Transaction, bool) {
	return s.txs.Get(&Transaction{id: id})
}

// Ascend visits transactions in ascending index order while `visit`
// returns true.
func (s *HTTPState) Ascend(visit func(tx *Transaction) bool) {
	s.txs.Ascend(func(tx *Transaction) bool {
		return visit(tx)
	})
}

// SetLoggedTx marks the transaction currently being logged.
func (s *HTTPState) SetLoggedTx(id uint64) {
	s.loggedTxID = id
}

// LoggedTx returns the transaction currently being logged.
func (s *HTTPState) LoggedTx() (*Transaction, bool) {
	return s.Tx(s.loggedTxID)
}
