package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fipso/contextchat/internal/thinking"
)

type fakeTransport struct {
	name   string
	chunks []string
	err    error
	block  bool

	mu    sync.Mutex
	calls int
	got   Request
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Complete(ctx context.Context, req Request) (string, error) {
	return f.Stream(ctx, req, func(string) {})
}

func (f *fakeTransport) Stream(ctx context.Context, req Request, onText func(string)) (string, error) {
	f.mu.Lock()
	f.calls++
	f.got = req
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	for _, c := range f.chunks {
		onText(c)
	}
	return strings.Join(f.chunks, ""), f.err
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const structuredReply = `{"response": "Why did the gopher cross the road?", "thinking": {"confidenceLevel": "high", "reasoningSteps": ["pick a joke"]}}`

func validatedKey() *KeyRing {
	k := NewKeyRing()
	k.Set("sk-test", true)
	return k
}

func transportErr(name string) error {
	return &TransportError{Transport: name, Err: errors.New("connection refused")}
}

func TestPlan(t *testing.T) {
	direct := &fakeTransport{name: DirectName}
	proxy := &fakeTransport{name: ProxyName}

	t.Run("no key uses proxy only", func(t *testing.T) {
		c := NewClient(Options{Direct: direct, Proxy: proxy, Credentials: NewKeyRing()})
		plan, err := c.Plan()
		require.NoError(t, err)
		require.Len(t, plan, 1)
		assert.Equal(t, ProxyName, plan[0].Name())
	})

	t.Run("unvalidated key uses proxy only", func(t *testing.T) {
		k := NewKeyRing()
		k.Set("sk-test", false)
		c := NewClient(Options{Direct: direct, Proxy: proxy, Credentials: k})
		plan, err := c.Plan()
		require.NoError(t, err)
		require.Len(t, plan, 1)
		assert.Equal(t, ProxyName, plan[0].Name())
	})

	t.Run("validated key tries direct first", func(t *testing.T) {
		c := NewClient(Options{Direct: direct, Proxy: proxy, Credentials: validatedKey()})
		plan, err := c.Plan()
		require.NoError(t, err)
		require.Len(t, plan, 2)
		assert.Equal(t, DirectName, plan[0].Name())
		assert.Equal(t, ProxyName, plan[1].Name())
	})

	t.Run("nothing configured", func(t *testing.T) {
		c := NewClient(Options{Direct: direct, Credentials: NewKeyRing()})
		_, err := c.Plan()
		assert.True(t, IsConfigError(err))
	})
}

func TestComplete_FiltersHistoryWithoutMutatingInput(t *testing.T) {
	proxy := &fakeTransport{name: ProxyName, chunks: []string{structuredReply}}
	c := NewClient(Options{Proxy: proxy})

	msgs := []Message{
		{ID: "1", Content: "Hi", Sender: SenderUser, Status: StatusDelivered},
		{ID: "2", Content: "welcome", Sender: SenderSystem, Status: StatusDelivered},
		{ID: "3", Content: "Hello!", Sender: SenderAI, Status: StatusDelivered},
		{ID: "4", Content: "pending", Sender: SenderUser, Status: "sending"},
		{ID: "5", Content: "tell me a joke", Sender: SenderUser, Status: StatusDelivered},
	}
	before := append([]Message(nil), msgs...)

	res, err := c.Complete(context.Background(), Request{Messages: msgs})
	require.NoError(t, err)
	assert.Equal(t, "Why did the gopher cross the road?", res.ResponseText)
	assert.Equal(t, thinking.High, res.Thinking.ConfidenceLevel)
	assert.True(t, res.Structured)
	assert.Equal(t, ProxyName, res.Transport)

	var ids []string
	for _, m := range proxy.got.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"1", "3", "5"}, ids)
	assert.Equal(t, before, msgs)
}

func TestComplete_MalformedReplyDegrades(t *testing.T) {
	proxy := &fakeTransport{name: ProxyName, chunks: []string{"not json"}}
	c := NewClient(Options{Proxy: proxy})

	res, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "not json", res.ResponseText)
	assert.Equal(t, thinking.Low, res.Thinking.ConfidenceLevel)
	assert.Len(t, res.Thinking.Assumptions, 1)
	assert.False(t, res.Structured)
}

func TestComplete_Fallback(t *testing.T) {
	tests := []struct {
		name        string
		directErr   error
		wantErr     bool
		proxyCalled bool
	}{
		{"network failure falls back", transportErr(DirectName), false, true},
		{"status error surfaces", &StatusError{Transport: DirectName, Status: 401, Body: "bad key"}, true, false},
		{"config error surfaces", &ConfigError{Transport: DirectName, Msg: "no key"}, true, false},
		{"cancellation surfaces", context.Canceled, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			direct := &fakeTransport{name: DirectName, err: tt.directErr}
			proxy := &fakeTransport{name: ProxyName, chunks: []string{structuredReply}}
			c := NewClient(Options{Direct: direct, Proxy: proxy, Credentials: validatedKey()})

			res, err := c.Complete(context.Background(), Request{})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.directErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, ProxyName, res.Transport)
			}
			assert.Equal(t, 1, direct.Calls())
			assert.Equal(t, tt.proxyCalled, proxy.Calls() == 1)
		})
	}
}

func TestComplete_FallsBackAtMostOnce(t *testing.T) {
	direct := &fakeTransport{name: DirectName, err: transportErr(DirectName)}
	proxy := &fakeTransport{name: ProxyName, err: transportErr(ProxyName)}
	c := NewClient(Options{Direct: direct, Proxy: proxy, Credentials: validatedKey()})

	_, err := c.Complete(context.Background(), Request{})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ProxyName, te.Transport)
	assert.Equal(t, 1, direct.Calls())
	assert.Equal(t, 1, proxy.Calls())
}

func TestComplete_Timeout(t *testing.T) {
	proxy := &fakeTransport{name: ProxyName, block: true}
	c := NewClient(Options{Proxy: proxy, Timeout: 20 * time.Millisecond})

	_, err := c.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_DeliversChunksThenThinking(t *testing.T) {
	raw := structuredReply
	var chunks []string
	for i := 0; i < len(raw); i += 5 {
		end := min(i+5, len(raw))
		chunks = append(chunks, raw[i:end])
	}
	direct := &fakeTransport{name: DirectName, chunks: chunks}
	c := NewClient(Options{Direct: direct, Proxy: &fakeTransport{name: ProxyName}, Credentials: validatedKey()})

	s, err := c.Stream(context.Background(), Request{})
	require.NoError(t, err)

	_, err = s.Thinking()
	assert.ErrorIs(t, err, ErrStreamIncomplete)

	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Chunk())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, "Why did the gopher cross the road?", sb.String())

	th, err := s.Thinking()
	require.NoError(t, err)
	assert.Equal(t, thinking.High, th.ConfidenceLevel)
	assert.Equal(t, []string{"pick a joke"}, th.ReasoningSteps)

	res, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, DirectName, res.Transport)
}

func TestStream_FallsBackBeforeFirstChunk(t *testing.T) {
	direct := &fakeTransport{name: DirectName, err: transportErr(DirectName)}
	proxy := &fakeTransport{name: ProxyName, chunks: []string{structuredReply}}
	c := NewClient(Options{Direct: direct, Proxy: proxy, Credentials: validatedKey()})

	s, err := c.Stream(context.Background(), Request{})
	require.NoError(t, err)

	var got []string
	for s.Next() {
		got = append(got, s.Chunk())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"Why did the gopher cross the road?"}, got)
	assert.Equal(t, 1, proxy.Calls())
}

func TestStream_NoFallbackAfterText(t *testing.T) {
	direct := &fakeTransport{
		name:   DirectName,
		chunks: []string{`{"response": "Why did`},
		err:    transportErr(DirectName),
	}
	proxy := &fakeTransport{name: ProxyName, chunks: []string{structuredReply}}
	c := NewClient(Options{Direct: direct, Proxy: proxy, Credentials: validatedKey()})

	s, err := c.Stream(context.Background(), Request{})
	require.NoError(t, err)

	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Chunk())
	}
	assert.Equal(t, "Why did", sb.String())
	var te *TransportError
	assert.ErrorAs(t, s.Err(), &te)
	assert.Equal(t, 0, proxy.Calls())

	_, err = s.Result()
	assert.Error(t, err)
}

func TestStream_ConfigErrorIsImmediate(t *testing.T) {
	c := NewClient(Options{Credentials: NewKeyRing()})
	_, err := c.Stream(context.Background(), Request{})
	assert.True(t, IsConfigError(err))
}

func TestStream_CloseReleasesProducer(t *testing.T) {
	proxy := &fakeTransport{name: ProxyName, block: true}
	c := NewClient(Options{Proxy: proxy})

	s, err := c.Stream(context.Background(), Request{})
	require.NoError(t, err)
	s.Close()
	assert.False(t, s.Next())
}

func TestValidateAPIKey(t *testing.T) {
	c := NewClient(Options{Proxy: &fakeTransport{name: ProxyName}})
	assert.True(t, IsConfigError(c.ValidateAPIKey(context.Background(), "sk")))
}

func TestReconfigure(t *testing.T) {
	first := &fakeTransport{name: ProxyName, chunks: []string{structuredReply}}
	second := &fakeTransport{name: ProxyName, chunks: []string{"plain"}}
	c := NewClient(Options{Proxy: first})

	got, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, got.Structured)

	c.Reconfigure(Options{Proxy: second})
	got, err = c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "plain", got.ResponseText)
	assert.Equal(t, 1, first.Calls())
	assert.Equal(t, 1, second.Calls())
}
