package login

import (
	"context"
	"encoding/json"
	"testing"

	"qmanager/internal/adapters/telethon"
	"qmanager/internal/infra/events"
)

// scriptedClient отдаёт заранее заданные состояния по командам.
type scriptedClient struct {
	states map[string]telethon.StatePayload
	calls  []string
}

func (c *scriptedClient) Request(_ context.Context, command string, _ any) (*telethon.Response, error) {
	c.calls = append(c.calls, command)
	state, ok := c.states[command]
	if !ok {
		return &telethon.Response{OK: false, Error: "unexpected command " + command}, nil
	}
	payload, _ := json.Marshal(state)
	return &telethon.Response{OK: true, Payload: payload}, nil
}

func (c *scriptedClient) Shutdown() {}

type identityRecorder struct {
	accountID int64
	userID    int64
	phone     string
	name      string
}

func (r *identityRecorder) UpdateAccountIdentity(accountID, userID int64, phone, name string) error {
	r.accountID, r.userID, r.phone, r.name = accountID, userID, phone, name
	return nil
}

func TestLoginFlowToReady(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{states: map[string]telethon.StatePayload{
		telethon.CommandState:        {State: telethon.StateWaitingPhoneNumber},
		telethon.CommandSendPhone:    {State: telethon.StateWaitingCode, PhoneNumber: "+100200"},
		telethon.CommandSendCode:     {State: telethon.StateWaitingPassword, PasswordHint: "pet name"},
		telethon.CommandSendPassword: {State: telethon.StateReady, UserID: 4242, FirstName: "Q", LastName: "Manager", Phone: "+100200"},
	}}
	ids := &identityRecorder{}
	emitter := events.NewEmitter()
	sub := emitter.Subscribe()

	session := NewSession(7, client, ids, emitter)
	ctx := context.Background()

	state, err := session.Begin(ctx)
	if err != nil || state.State != telethon.StateWaitingPhoneNumber {
		t.Fatalf("Begin() = (%+v, %v)", state, err)
	}
	state, err = session.SendPhone(ctx, "+100200")
	if err != nil || state.State != telethon.StateWaitingCode {
		t.Fatalf("SendPhone() = (%+v, %v)", state, err)
	}
	state, err = session.SendCode(ctx, "12345")
	if err != nil || state.State != telethon.StateWaitingPassword {
		t.Fatalf("SendCode() = (%+v, %v)", state, err)
	}
	if state.PasswordHint != "pet name" {
		t.Fatalf("password hint lost: %+v", state)
	}
	state, err = session.SendPassword(ctx, "secret")
	if err != nil || state.State != telethon.StateReady {
		t.Fatalf("SendPassword() = (%+v, %v)", state, err)
	}

	if ids.accountID != 7 || ids.userID != 4242 || ids.phone != "+100200" || ids.name != "Q Manager" {
		t.Fatalf("identity = %+v", ids)
	}

	var progress []string
	for {
		select {
		case ev := <-sub.Ch():
			if ev.Name == events.EventLoginProgress {
				progress = append(progress, ev.Payload.(events.LoginProgressPayload).Step)
			}
			continue
		default:
		}
		break
	}
	want := []string{StepStarted, StepPhone, StepCode, StepPassword, StepReady}
	if len(progress) != len(want) {
		t.Fatalf("progress steps = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress steps = %v, want %v", progress, want)
		}
	}
}

func TestLoginWorkerErrorFails(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{states: map[string]telethon.StatePayload{
		telethon.CommandState: {State: telethon.StateError, Message: "flood"},
	}}
	s := NewSession(7, client, &identityRecorder{}, events.NewEmitter())
	if _, err := s.Begin(context.Background()); err == nil {
		t.Fatal("Begin() must fail on worker error state")
	}
}
