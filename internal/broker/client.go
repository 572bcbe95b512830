package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// RequestToken asks the broker socket for an audience-scoped token. The
// write side is closed after the request so the server reads to EOF; the
// response is the whole remaining stream. A rejection or transport failure
// is an error — the caller must abort its connection attempt, never fall
// back to an unscoped credential.
func RequestToken(ctx context.Context, socketPath, brokerToken string, audience Audience, deviceID string) (*TokenDetails, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial broker socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(ioTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	body, err := json.Marshal(Request{
		BrokerToken: brokerToken,
		Audience:    string(audience),
		DeviceID:    deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal broker request: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return nil, fmt.Errorf("write broker request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close write side: %w", err)
		}
	}

	respBody, err := io.ReadAll(io.LimitReader(conn, maxRequestBytes))
	if err != nil {
		return nil, fmt.Errorf("read broker response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse broker response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("broker rejected request: %s", resp.Error)
	}
	if resp.TokenDetails == nil || resp.TokenDetails.Token == "" {
		return nil, fmt.Errorf("broker response missing token")
	}
	return resp.TokenDetails, nil
}
