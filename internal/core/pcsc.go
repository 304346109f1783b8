package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// EstablishContext connects to the PC/SC resource manager (pcscd / WinSCard).
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", mapScardError(err))
	}
	return &pcscContext{ctx: ctx}, nil
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		return nil, mapScardError(err)
	}
	return readers, nil
}

func (c *pcscContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, mapScardError(err)
	}
	return &pcscCard{card: card}, nil
}

func (c *pcscContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	rs := make([]scard.ReaderState, len(states))
	for i, s := range states {
		rs[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
	}

	if err := c.ctx.GetStatusChange(rs, timeout); err != nil {
		return mapScardError(err)
	}

	for i := range states {
		states[i].EventState = uint32(rs[i].EventState)
		states[i].Atr = rs[i].Atr
	}
	return nil
}

func (c *pcscContext) Cancel() error {
	return mapScardError(c.ctx.Cancel())
}

func (c *pcscContext) Release() error {
	return mapScardError(c.ctx.Release())
}

type pcscCard struct {
	card *scard.Card
}

// Transmit relies on scard picking the T=0/T=1 PCI from the negotiated protocol.
func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	rsp, err := c.card.Transmit(cmd)
	if err != nil {
		return nil, mapScardError(err)
	}
	return rsp, nil
}

func (c *pcscCard) Status() (SmartCardStatus, error) {
	st, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, mapScardError(err)
	}
	return SmartCardStatus{
		Reader:         st.Reader,
		State:          uint32(st.State),
		ActiveProtocol: uint32(st.ActiveProtocol),
		Atr:            st.Atr,
	}, nil
}

func (c *pcscCard) Disconnect(disposition uint32) error {
	return mapScardError(c.card.Disconnect(scard.Disposition(disposition)))
}

// mapScardError attaches the transport sentinels the session and monitor
// branch on, keeping the scard error text as the reason.
func mapScardError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, scard.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, scard.ErrCancelled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(err, scard.ErrNoSmartcard), errors.Is(err, scard.ErrRemovedCard):
		return fmt.Errorf("%w: %v", ErrNoCard, err)
	}
	return err
}
