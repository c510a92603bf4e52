package board

import (
	"fmt"
	"log"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
)

const (
	Rows = 8
	Cols = 8
	Size = Rows * Cols

	White = "#ffffff"
	Black = "#222222"

	// ArrayName is the name of the shared color sequence inside the doc.
	ArrayName = "colors"
)

// ErrIndexOutOfRange is returned for square indexes outside the board.
var ErrIndexOutOfRange = crdt.ErrIndexOutOfRange

// DefaultPalette lists the colors offered to users.
var DefaultPalette = []string{
	White,
	Black,
	"#ff6666",
	"#66ccff",
	"#66ff99",
	"#ffd166",
	"#a78bfa",
	"#f472b6",
}

// Store is the board view over the shared color sequence of one replica.
type Store struct {
	doc    *crdt.Doc
	colors *crdt.Array
}

// NewStore binds a Store to doc.
func NewStore(doc *crdt.Doc) *Store {
	return &Store{
		doc:    doc,
		colors: doc.Array(ArrayName),
	}
}

// Doc returns the underlying replica.
func (s *Store) Doc() *crdt.Doc {
	return s.doc
}

// Colors returns the underlying sequence.
func (s *Store) Colors() *crdt.Array {
	return s.colors
}

// Len returns the current number of squares.
func (s *Store) Len() int {
	return s.colors.Len()
}

// Snapshot copies the current colors in order.
func (s *Store) Snapshot() []string {
	return s.colors.ToSlice()
}

// Get returns the color at index.
func (s *Store) Get(index int) (string, error) {
	if err := checkIndex(index); err != nil {
		return "", err
	}
	return s.colors.Get(index)
}

// Observe registers fn for every committed change to the board.
func (s *Store) Observe(fn func(crdt.Event)) func() {
	return s.colors.Observe(fn)
}

// SeedPattern returns the alternating starting layout.
func SeedPattern() []string {
	out := make([]string, 0, Size)
	for r := 0; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			if (r+c)%2 == 1 {
				out = append(out, Black)
			} else {
				out = append(out, White)
			}
		}
	}
	return out
}

// Seed appends the starting layout in one transaction.
func (s *Store) Seed(origin any) error {
	err := s.doc.Transact(origin, func(tx *crdt.Txn) error {
		return tx.Push(s.colors, SeedPattern()...)
	})
	if err != nil {
		return fmt.Errorf("seed board: %w", err)
	}
	log.Printf("[BOARD] Seeded %d squares", Size)
	return nil
}

// ToggleSquare flips the square at index: black becomes white, anything
// else becomes black.
func (s *Store) ToggleSquare(index int, origin any) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	return s.doc.Transact(origin, func(tx *crdt.Txn) error {
		cur, err := tx.Get(s.colors, index)
		if err != nil {
			return err
		}
		next := Black
		if cur == Black {
			next = White
		}
		return replace(tx, s.colors, index, next)
	})
}

// SetSquareColor stores color verbatim at index.
func (s *Store) SetSquareColor(index int, color string, origin any) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	return s.doc.Transact(origin, func(tx *crdt.Txn) error {
		return replace(tx, s.colors, index, color)
	})
}

// Reset clears the board and lays out the starting pattern again.
func (s *Store) Reset(origin any) error {
	return s.doc.Transact(origin, func(tx *crdt.Txn) error {
		if err := tx.Delete(s.colors, 0, tx.Len(s.colors)); err != nil {
			return err
		}
		return tx.Push(s.colors, SeedPattern()...)
	})
}

// Fill clears the board and paints every square with color.
func (s *Store) Fill(color string, origin any) error {
	return s.doc.Transact(origin, func(tx *crdt.Txn) error {
		if err := tx.Delete(s.colors, 0, tx.Len(s.colors)); err != nil {
			return err
		}
		values := make([]string, Size)
		for i := range values {
			values[i] = color
		}
		return tx.Push(s.colors, values...)
	})
}

func replace(tx *crdt.Txn, a *crdt.Array, index int, value string) error {
	if err := tx.Delete(a, index, 1); err != nil {
		return err
	}
	return tx.Insert(a, index, value)
}

func checkIndex(index int) error {
	if index < 0 || index >= Size {
		return fmt.Errorf("square %d: %w", index, ErrIndexOutOfRange)
	}
	return nil
}
