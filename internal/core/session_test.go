package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestOpen_SelectsReader(t *testing.T) {
	tests := []struct {
		name    string
		search  string
		want    string
		wantErr error
	}{
		{"first reader by default", "", mockReaders[0], nil},
		{"case insensitive substring", "acr1252", mockReaders[1], nil},
		{"exact name", mockReaders[2], mockReaders[2], nil},
		{"absent reader", "Omnikey", "", ErrReaderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mctx := NewMockContext()
			s, err := Open(mockFactory{ctx: mctx}, tt.search)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Open() error = %v, want %v", err, tt.wantErr)
				}
				if !mctx.Released() {
					t.Error("context not released after failed Open")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer s.Close()
			if s.ReaderName() != tt.want {
				t.Errorf("ReaderName() = %q, want %q", s.ReaderName(), tt.want)
			}
		})
	}
}

func TestOpen_NoReaders(t *testing.T) {
	mctx := NewMockContext().WithReaders(nil)
	if _, err := Open(mockFactory{ctx: mctx}, ""); !errors.Is(err, ErrReaderNotFound) {
		t.Errorf("Open() error = %v, want ErrReaderNotFound", err)
	}
}

func TestOpen_TransportFailure(t *testing.T) {
	_, err := Open(mockFactory{err: errors.New("pcscd not running")}, "")
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Open() error = %v, want ErrTransport", err)
	}

	mctx := NewMockContext()
	mctx.listErr = errors.New("no readers available")
	if _, err := Open(mockFactory{ctx: mctx}, ""); !errors.Is(err, ErrTransport) {
		t.Errorf("Open() error = %v, want ErrTransport", err)
	}
}

func TestList_BoundedByMaxReaders(t *testing.T) {
	readers := make([]string, MaxReaders+2)
	for i := range readers {
		readers[i] = fmt.Sprintf("Reader %02d", i)
	}
	mctx := NewMockContext().WithReaders(readers)

	got, err := List(mockFactory{ctx: mctx})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff(readers[:MaxReaders], got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	if !mctx.Released() {
		t.Error("List() did not release the context")
	}

	if _, err := Open(mockFactory{ctx: NewMockContext().WithReaders(readers)}, "Reader 09"); !errors.Is(err, ErrReaderNotFound) {
		t.Errorf("Open(reader beyond max) error = %v, want ErrReaderNotFound", err)
	}
}

func TestFindReader(t *testing.T) {
	if _, ok := FindReader(nil, ""); ok {
		t.Error("FindReader(nil) found a reader")
	}
	if got, ok := FindReader(mockReaders, "PROX"); !ok || got != mockReaders[2] {
		t.Errorf("FindReader(PROX) = %q, %v", got, ok)
	}
}

func TestWaitForCard_Inserted(t *testing.T) {
	card := NewMockClassic1K()
	mctx := NewMockContext().WithSteps(
		statusStep{state: StateEmpty},
		statusStep{state: StatePresent, insert: card},
	)
	s, err := Open(mockFactory{ctx: mctx}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.WaitForCard(context.Background(), 3); err != nil {
		t.Fatalf("WaitForCard() error = %v", err)
	}
	ct, err := s.CheckATR()
	if err != nil || ct != CardMifareClassic1K {
		t.Errorf("CheckATR() = %v, %v", ct, err)
	}
}

func TestWaitForCard_NoCardAfterTicks(t *testing.T) {
	mctx := NewMockContext().WithSteps(
		statusStep{state: StateEmpty},
		statusStep{err: fmt.Errorf("%w: mock", ErrTimeout)},
	)
	s, err := Open(mockFactory{ctx: mctx}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.WaitForCard(context.Background(), 2); !errors.Is(err, ErrNoCard) {
		t.Errorf("WaitForCard() error = %v, want ErrNoCard", err)
	}
}

func TestWaitForCard_ContextCancelled(t *testing.T) {
	s, err := Open(mockFactory{ctx: NewMockContext()}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.WaitForCard(ctx, 5) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("WaitForCard() error = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForCard() did not observe cancellation")
	}
}

func TestWaitForCard_UnknownProtocol(t *testing.T) {
	card := NewMockClassic1K()
	card.protocol = 0x0004
	mctx := NewMockContext().WithCard(mockReaders[0], card)
	s, err := Open(mockFactory{ctx: mctx}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.WaitForCard(context.Background(), 0); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("WaitForCard() error = %v, want ErrUnknownProtocol", err)
	}
}

func TestCheckATR_Unsupported(t *testing.T) {
	card := NewMockCard(mustHex("3b8f8001804f0ca0000003060b00140000000077"), []byte{1})
	mctx := NewMockContext().WithCard(mockReaders[0], card)
	s, err := Open(mockFactory{ctx: mctx}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.WaitForCard(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	if _, err := s.CheckATR(); !errors.Is(err, ErrUnsupportedCard) {
		t.Errorf("CheckATR() error = %v, want ErrUnsupportedCard", err)
	}
	if s.CardType() != CardUnknown {
		t.Errorf("CardType() = %v, want Unknown", s.CardType())
	}
	if s.LastError() == "" {
		t.Error("LastError() empty after failure")
	}
}

func TestCardUID(t *testing.T) {
	card := NewMockClassic1K()
	s, _ := newTestSession(t, card)

	uid, err := s.CardUID()
	if err != nil {
		t.Fatalf("CardUID() error = %v", err)
	}
	if uid != 0x932BAE0E {
		t.Errorf("CardUID() = %#x, want 0x932bae0e", uid)
	}

	again, err := s.CardUID()
	if err != nil || again != uid {
		t.Errorf("CardUID() second call = %#x, %v", again, err)
	}
	if n := len(card.Commands()); n != 1 {
		t.Errorf("exchanges = %d, want 1 (UID cached)", n)
	}
}

func TestCardUID_IdentifiesFirst(t *testing.T) {
	card := NewMockUltralight()
	mctx := NewMockContext().WithCard(mockReaders[0], card)
	s, err := Open(mockFactory{ctx: mctx}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.WaitForCard(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	uid, err := s.CardUID()
	if err != nil {
		t.Fatalf("CardUID() error = %v", err)
	}
	if uid != 0xFF0F39C8D60000 {
		t.Errorf("CardUID() = %#x", uid)
	}
	if s.CardType() != CardMifareUltralight {
		t.Errorf("CardType() = %v", s.CardType())
	}
}

func TestSessionAccessors(t *testing.T) {
	s, _ := newTestSession(t, NewMockClassic1K(), WithTimeout(0), WithUserData("printer-1"))

	if s.Timeout() != 0 {
		t.Errorf("Timeout() = %v, want 0", s.Timeout())
	}
	if s.UserData() != "printer-1" {
		t.Errorf("UserData() = %v", s.UserData())
	}
	atr, err := s.ATR()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(atrClassic1K, atr); diff != "" {
		t.Errorf("ATR() mismatch (-want +got):\n%s", diff)
	}
}

func TestClose(t *testing.T) {
	card := NewMockClassic1K()
	s, mctx := newTestSession(t, card)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !mctx.Released() {
		t.Error("context not released")
	}
	if _, err := s.ReadUID(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ReadUID() after Close error = %v, want ErrSessionClosed", err)
	}
	if err := s.WaitForCard(context.Background(), 0); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("WaitForCard() after Close error = %v, want ErrSessionClosed", err)
	}
}
