package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wahub-labs/wa-device-hub/internal/config"
	"github.com/wahub-labs/wa-device-hub/internal/events"
	"github.com/wahub-labs/wa-device-hub/internal/manager"
	"github.com/wahub-labs/wa-device-hub/internal/model"
	"github.com/wahub-labs/wa-device-hub/internal/protocol/protocoltest"
	"github.com/wahub-labs/wa-device-hub/internal/server"
	"github.com/wahub-labs/wa-device-hub/internal/service"
	"github.com/wahub-labs/wa-device-hub/internal/storage/bolt"
)

type serverFixture struct {
	srv    *server.Server
	store  *bolt.Store
	dialer *protocoltest.Dialer
	mgr    *manager.Manager
}

func newServerFixture(t *testing.T, mutate func(cfg *config.Config)) *serverFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := bolt.New(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	if mutate != nil {
		mutate(cfg)
	}
	fd := protocoltest.NewDialer()
	bus := events.New(16, logger)
	mgr := manager.New(st, fd, bus, nil, logger, manager.Config{})
	t.Cleanup(mgr.Shutdown)
	deviceSvc := service.NewDeviceService(st, mgr, 50, 100)
	authSvc := service.NewAuthService(cfg)

	return &serverFixture{
		srv:    server.New(cfg, deviceSvc, authSvc, mgr, bus, logger),
		store:  st,
		dialer: fd,
		mgr:    mgr,
	}
}

func (f *serverFixture) request(t *testing.T, method, path string, body any, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, raw
}

// open drives the fake protocol through connect and open for a device.
func (f *serverFixture) open(t *testing.T, deviceID string) *protocoltest.Conn {
	t.Helper()
	require.Eventually(t, func() bool { return f.dialer.Conn(deviceID) != nil }, 2*time.Second, 5*time.Millisecond)
	conn := f.dialer.Conn(deviceID)
	conn.Open("5511999999999@s.whatsapp.net")
	return conn
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, raw := f.request(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		Devices   int    `json:"devices"`
		Connected int    `json:"connected"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, "ok", body.Status)
	require.Zero(t, body.Devices)
}

func TestCreateAndListDevices(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, raw := f.request(t, http.MethodPost, "/api/devices", fiberMap{"name": "Sales"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created struct {
		Success  bool   `json:"success"`
		DeviceID string `json:"deviceId"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))
	require.True(t, created.Success)
	require.NotEmpty(t, created.DeviceID)

	resp, _ = f.request(t, http.MethodPost, "/api/devices", fiberMap{"name": "  "}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = f.request(t, http.MethodGet, "/api/devices", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []*model.DeviceView
	require.NoError(t, json.Unmarshal(raw, &views))
	require.Len(t, views, 1)
	require.Equal(t, "Sales", views[0].Name)
	require.False(t, views[0].IsConnected)
}

func TestDeleteDevice(t *testing.T) {
	f := newServerFixture(t, nil)
	_, raw := f.request(t, http.MethodPost, "/api/devices", fiberMap{"name": "Sales"}, nil)
	var created struct {
		DeviceID string `json:"deviceId"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))

	resp, _ := f.request(t, http.MethodDelete, "/api/devices/"+created.DeviceID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.request(t, http.MethodDelete, "/api/devices/"+created.DeviceID, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPairingCodeEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, _ := f.request(t, http.MethodGet, "/api/devices/ghost/qrcode", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, raw := f.request(t, http.MethodPost, "/api/devices", fiberMap{"name": "Sales"}, nil)
	var created struct {
		DeviceID string `json:"deviceId"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))

	require.Eventually(t, func() bool { return f.dialer.Conn(created.DeviceID) != nil }, 2*time.Second, 5*time.Millisecond)
	conn := f.dialer.Conn(created.DeviceID)
	conn.PairingCode("challenge")

	resp, raw = f.request(t, http.MethodGet, "/api/devices/"+created.DeviceID+"/qrcode", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var withCode struct {
		Success bool   `json:"success"`
		QRCode  string `json:"qrcode"`
	}
	require.NoError(t, json.Unmarshal(raw, &withCode))
	require.True(t, withCode.Success)
	require.Contains(t, withCode.QRCode, "data:image/png;base64,")

	conn.Open("5511999999999@s.whatsapp.net")
	resp, raw = f.request(t, http.MethodGet, "/api/devices/"+created.DeviceID+"/qrcode", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var connected struct {
		Connected bool `json:"connected"`
	}
	require.NoError(t, json.Unmarshal(raw, &connected))
	require.True(t, connected.Connected)
}

func TestPairingCodeRetryBeforeDial(t *testing.T) {
	f := newServerFixture(t, nil)
	require.NoError(t, f.store.CreateDevice(context.Background(), &model.Device{ID: "d1", Name: "Sales"}))

	resp, raw := f.request(t, http.MethodGet, "/api/devices/d1/qrcode", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body struct {
		Retry bool `json:"retry"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.True(t, body.Retry)
}

func TestSendMessageEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)
	_, raw := f.request(t, http.MethodPost, "/api/devices", fiberMap{"name": "Sales"}, nil)
	var created struct {
		DeviceID string `json:"deviceId"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))

	// Not yet open.
	resp, _ := f.request(t, http.MethodPost, "/api/send-message",
		fiberMap{"deviceId": created.DeviceID, "number": "123", "message": "hi"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn := f.open(t, created.DeviceID)

	resp, raw = f.request(t, http.MethodPost, "/api/send-message",
		fiberMap{"deviceId": created.DeviceID, "number": "(11) 98888-7777", "message": "hi"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sent struct {
		Success   bool   `json:"success"`
		MessageID uint64 `json:"messageId"`
	}
	require.NoError(t, json.Unmarshal(raw, &sent))
	require.True(t, sent.Success)
	require.NotZero(t, sent.MessageID)
	require.Len(t, conn.Sent(), 1)

	// Missing fields fail validation.
	resp, _ = f.request(t, http.MethodPost, "/api/send-message",
		fiberMap{"deviceId": created.DeviceID, "number": "", "message": "hi"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown devices are a 404.
	resp, _ = f.request(t, http.MethodPost, "/api/send-message",
		fiberMap{"deviceId": "ghost", "number": "123", "message": "hi"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Protocol rejections surface as 500.
	conn.SendErr = protocoltest.ErrSendRejected
	resp, _ = f.request(t, http.MethodPost, "/api/send-message",
		fiberMap{"deviceId": created.DeviceID, "number": "123", "message": "hi"}, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestListMessagesEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	// Empty journal serializes as an empty array, not null.
	resp, raw := f.request(t, http.MethodGet, "/api/messages", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, "[]", string(raw))

	ctx := context.Background()
	require.NoError(t, f.store.CreateDevice(ctx, &model.Device{ID: "d1", Name: "Sales"}))
	require.NoError(t, f.store.CreateDevice(ctx, &model.Device{ID: "d2", Name: "Support"}))
	for _, deviceID := range []string{"d1", "d2", "d1"} {
		require.NoError(t, f.store.AppendMessage(ctx, &model.Message{DeviceID: deviceID,
			Direction: model.DirectionIncoming, Sender: "x", Recipient: "me",
			Content: "hello", Status: model.MessageStatusReceived}))
	}

	_, raw = f.request(t, http.MethodGet, "/api/messages", nil, nil)
	var all []*model.Message
	require.NoError(t, json.Unmarshal(raw, &all))
	require.Len(t, all, 3)
	require.Equal(t, "Sales", all[0].DeviceName)

	_, raw = f.request(t, http.MethodGet, "/api/messages?deviceId=d2&limit=5", nil, nil)
	var scoped []*model.Message
	require.NoError(t, json.Unmarshal(raw, &scoped))
	require.Len(t, scoped, 1)
	require.Equal(t, "d2", scoped[0].DeviceID)
}

func TestAuthProtectsAPI(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Username = "operator"
		cfg.Auth.Password = "hunter2"
		cfg.Auth.JWTSecret = "test-secret"
	})

	resp, _ := f.request(t, http.MethodGet, "/api/devices", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost, "/auth/login",
		fiberMap{"username": "operator", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, raw := f.request(t, http.MethodPost, "/auth/login",
		fiberMap{"username": "operator", "password": "hunter2"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(raw, &login))
	require.NotEmpty(t, login.Token)

	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	resp, _ = f.request(t, http.MethodGet, "/api/devices", nil, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = f.request(t, http.MethodGet, "/auth/profile", nil, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var profile struct {
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(raw, &profile))
	require.Equal(t, "operator", profile.Username)
}

type fiberMap = map[string]any
