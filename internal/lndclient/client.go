package lndclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"fedigateway/internal/config"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

const (
	infoCacheTTL   = 30 * time.Second
	maxGRPCMsgSize = 32 * 1024 * 1024

	defaultInvoiceExpirySeconds = 3600
)

// Client is a thin connection manager around the LND gRPC surface. Each call
// dials its own short-lived connection except the streaming entry points,
// which hand the connection to the caller.
type Client struct {
	cfg    *config.Config
	logger *log.Logger

	infoMu      sync.Mutex
	infoCache   Info
	infoCacheAt time.Time
}

func New(cfg *config.Config, logger *log.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

type Info struct {
	Pubkey        string
	Alias         string
	Version       string
	BlockHeight   uint32
	SyncedToChain bool
	SyncedToGraph bool
}

type BalanceSummary struct {
	OnchainSat            int64
	OnchainConfirmedSat   int64
	OnchainUnconfirmedSat int64
	LightningSat          int64
}

type DecodedInvoice struct {
	AmountMsat  uint64
	Memo        string
	Destination string
	PaymentHash string
	Expiry      int64
	Timestamp   int64
}

type CreatedInvoice struct {
	PaymentRequest string
	PaymentHash    string
	AddIndex       uint64
}

type PaymentOutcome struct {
	Found         bool
	InFlight      bool
	Succeeded     bool
	PreimageHex   string
	FeeMsat       uint64
	FailureReason string
}

func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
	creds, err := credentials.NewClientTLSFromFile(c.cfg.LND.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("load lnd tls cert: %w", err)
	}

	macBytes, err := os.ReadFile(c.cfg.LND.AdminMacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("unmarshal macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("macaroon credential: %w", err)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
	}
	return grpc.DialContext(ctx, c.cfg.LND.GRPCHost, opts...)
}

// Dial hands a raw connection to callers that manage their own streams.
func (c *Client) Dial(ctx context.Context) (*grpc.ClientConn, error) {
	return c.dial(ctx)
}

func (c *Client) GetInfo(ctx context.Context) (Info, error) {
	now := time.Now()
	c.infoMu.Lock()
	if !c.infoCacheAt.IsZero() && now.Sub(c.infoCacheAt) < infoCacheTTL {
		cached := c.infoCache
		c.infoMu.Unlock()
		return cached, nil
	}
	c.infoMu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return Info{}, err
	}
	defer conn.Close()

	resp, err := lnrpc.NewLightningClient(conn).GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Pubkey:        resp.IdentityPubkey,
		Alias:         resp.Alias,
		Version:       resp.Version,
		BlockHeight:   resp.BlockHeight,
		SyncedToChain: resp.SyncedToChain,
		SyncedToGraph: resp.SyncedToGraph,
	}

	c.infoMu.Lock()
	c.infoCache = info
	c.infoCacheAt = now
	c.infoMu.Unlock()

	return info, nil
}

func (c *Client) GetBalances(ctx context.Context) (BalanceSummary, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return BalanceSummary{}, err
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	summary := BalanceSummary{}

	wallet, err := client.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return summary, err
	}
	summary.OnchainSat = wallet.TotalBalance
	summary.OnchainConfirmedSat = wallet.ConfirmedBalance
	summary.OnchainUnconfirmedSat = wallet.UnconfirmedBalance

	channelBal, err := client.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return summary, err
	}
	summary.LightningSat = channelBal.Balance

	return summary, nil
}

func (c *Client) DecodeInvoice(ctx context.Context, payReq string) (DecodedInvoice, error) {
	trimmed := strings.TrimSpace(payReq)
	if trimmed == "" {
		return DecodedInvoice{}, errors.New("payment request required")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return DecodedInvoice{}, err
	}
	defer conn.Close()

	resp, err := lnrpc.NewLightningClient(conn).DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: trimmed})
	if err != nil {
		return DecodedInvoice{}, err
	}

	return DecodedInvoice{
		AmountMsat:  uint64(resp.NumMsat),
		Memo:        resp.Description,
		Destination: resp.Destination,
		PaymentHash: strings.ToLower(resp.PaymentHash),
		Expiry:      resp.Expiry,
		Timestamp:   resp.Timestamp,
	}, nil
}

// AddHoldInvoice registers a hold invoice for an externally supplied hash.
// The invoice is never auto-settled; settlement requires the preimage.
func (c *Client) AddHoldInvoice(ctx context.Context, hashHex string, amountMsat uint64, memo string, cltvExpiry uint64) (CreatedInvoice, error) {
	hashBytes, err := hex.DecodeString(strings.TrimSpace(hashHex))
	if err != nil {
		return CreatedInvoice{}, fmt.Errorf("invalid payment hash: %w", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return CreatedInvoice{}, err
	}
	defer conn.Close()

	req := &invoicesrpc.AddHoldInvoiceRequest{
		Memo:      memo,
		Hash:      hashBytes,
		ValueMsat: int64(amountMsat),
		Expiry:    defaultInvoiceExpirySeconds,
	}
	if cltvExpiry > 0 {
		req.CltvExpiry = cltvExpiry
	}
	resp, err := invoicesrpc.NewInvoicesClient(conn).AddHoldInvoice(ctx, req)
	if err != nil {
		return CreatedInvoice{}, err
	}

	return CreatedInvoice{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    strings.ToLower(strings.TrimSpace(hashHex)),
		AddIndex:       resp.AddIndex,
	}, nil
}

func (c *Client) SettleInvoice(ctx context.Context, preimageHex string) error {
	preimage, err := hex.DecodeString(strings.TrimSpace(preimageHex))
	if err != nil {
		return fmt.Errorf("invalid preimage: %w", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = invoicesrpc.NewInvoicesClient(conn).SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimage,
	})
	return err
}

func (c *Client) CancelInvoice(ctx context.Context, hashHex string) error {
	hashBytes, err := hex.DecodeString(strings.TrimSpace(hashHex))
	if err != nil {
		return fmt.Errorf("invalid payment hash: %w", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = invoicesrpc.NewInvoicesClient(conn).CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: hashBytes,
	})
	return err
}

// SendPayment pays a bolt11 invoice and blocks until the payment reaches a
// terminal status or the timeout elapses.
func (c *Client) SendPayment(ctx context.Context, payReq string, amountMsat uint64, feeLimitMsat uint64, timeoutSec int32) (*lnrpc.Payment, error) {
	trimmed := strings.TrimSpace(payReq)
	if trimmed == "" {
		return nil, errors.New("payment request required")
	}
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := &routerrpc.SendPaymentRequest{
		PaymentRequest:    trimmed,
		TimeoutSeconds:    timeoutSec,
		NoInflightUpdates: true,
	}
	if amountMsat > 0 {
		req.AmtMsat = int64(amountMsat)
	}
	if feeLimitMsat > 0 {
		req.FeeLimitMsat = int64(feeLimitMsat)
	}

	stream, err := routerrpc.NewRouterClient(conn).SendPaymentV2(ctx, req)
	if err != nil {
		return nil, err
	}

	for {
		payment, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		if payment == nil {
			continue
		}
		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED, lnrpc.Payment_FAILED:
			return payment, nil
		default:
		}
	}
}

// LookupPayment scans the recent payment history for the given hash. Used by
// crash recovery to learn the fate of a possibly in-flight dispatch.
func (c *Client) LookupPayment(ctx context.Context, paymentHash string, lookback time.Duration) (PaymentOutcome, error) {
	trimmed := strings.ToLower(strings.TrimSpace(paymentHash))
	if trimmed == "" {
		return PaymentOutcome{}, errors.New("payment hash required")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return PaymentOutcome{}, err
	}
	defer conn.Close()

	req := &lnrpc.ListPaymentsRequest{
		IncludeIncomplete: true,
		Reversed:          true,
		MaxPayments:       200,
	}
	if lookback > 0 {
		start := time.Now().Add(-lookback).Unix()
		if start > 0 {
			req.CreationDateStart = uint64(start)
		}
	}
	resp, err := lnrpc.NewLightningClient(conn).ListPayments(ctx, req)
	if err != nil {
		return PaymentOutcome{}, err
	}

	for _, pay := range resp.Payments {
		if pay == nil || !strings.EqualFold(pay.PaymentHash, trimmed) {
			continue
		}
		outcome := PaymentOutcome{Found: true}
		switch pay.Status {
		case lnrpc.Payment_SUCCEEDED:
			outcome.Succeeded = true
			outcome.PreimageHex = strings.ToLower(pay.PaymentPreimage)
			outcome.FeeMsat = uint64(pay.FeeMsat)
		case lnrpc.Payment_FAILED:
			outcome.FailureReason = pay.FailureReason.String()
		default:
			outcome.InFlight = true
		}
		return outcome, nil
	}
	return PaymentOutcome{}, nil
}

// LookupHeldHtlc reports whether any open channel still carries an HTLC
// locked to the given payment hash.
func (c *Client) LookupHeldHtlc(ctx context.Context, paymentHash string) (bool, error) {
	hashBytes, err := hex.DecodeString(strings.TrimSpace(paymentHash))
	if err != nil {
		return false, fmt.Errorf("invalid payment hash: %w", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	resp, err := lnrpc.NewLightningClient(conn).ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return false, err
	}
	for _, ch := range resp.Channels {
		for _, htlc := range ch.PendingHtlcs {
			if htlc != nil && bytes.Equal(htlc.HashLock, hashBytes) {
				return true, nil
			}
		}
	}
	return false, nil
}

// LookupInvoiceState returns the invoice state for the hash, or an error
// when LND does not know the hash.
func (c *Client) LookupInvoiceState(ctx context.Context, paymentHash string) (lnrpc.Invoice_InvoiceState, error) {
	hashBytes, err := hex.DecodeString(strings.TrimSpace(paymentHash))
	if err != nil {
		return 0, fmt.Errorf("invalid payment hash: %w", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	resp, err := lnrpc.NewLightningClient(conn).LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hashBytes})
	if err != nil {
		return 0, err
	}
	return resp.State, nil
}
