package spitch

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/polyglossa/pkg/audio"
	"github.com/MrWong99/polyglossa/pkg/provider"
	"github.com/MrWong99/polyglossa/pkg/provider/tts"
	"github.com/MrWong99/polyglossa/pkg/types"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal but valid RIFF/WAVE byte slice containing
// the supplied raw PCM samples at the given rate and channel count.
func buildTestWAV(pcm []byte, sampleRate, channels int) []byte {
	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize)

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian

	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	buf = append(buf, []byte("RIFF")...)
	putU32(fileSize)
	buf = append(buf, []byte("WAVE")...)

	buf = append(buf, []byte("fmt ")...)
	putU32(fmtSize)
	putU16(1) // PCM format
	putU16(uint16(channels))
	putU32(uint32(sampleRate))
	putU32(uint32(sampleRate * channels * 2)) // byte rate
	putU16(uint16(channels * 2))              // block align
	putU16(16)                                // bits per sample

	buf = append(buf, []byte("data")...)
	putU32(dataSize)
	buf = append(buf, pcm...)

	return buf
}

// frameCollector is a Sink that records every frame it receives.
type frameCollector struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (c *frameCollector) Write(frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *frameCollector) concat() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, f := range c.frames {
		out = append(out, f.Data...)
	}
	return out
}

func igboVoice() types.VoiceAvatar {
	return types.VoiceAvatar{
		VoiceID:  "ngozi",
		Provider: "spitch",
		Language: types.LangIgbo,
	}
}

func waitDone(t *testing.T, h tts.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("synthesis did not finish in time")
	}
}

// ---- Provider creation ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") should return an error")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	if p.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q, want %q", p.baseURL, defaultBaseURL)
	}
	if p.httpClient.Timeout != defaultTimeout {
		t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
	}
}

// ---- Synthesize ----

func TestSynthesize_MockServer(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 6000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != speechEndpoint {
			t.Errorf("path = %s, want %s", r.URL.Path, speechEndpoint)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		body, _ := io.ReadAll(r.Body)
		var req speechRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("unmarshal request body: %v", err)
		}
		if req.Text != "Nnọọ" {
			t.Errorf("text = %q, want Nnọọ", req.Text)
		}
		if req.Language != "ig" {
			t.Errorf("language = %q, want ig", req.Language)
		}
		if req.Voice != "ngozi" {
			t.Errorf("voice = %q, want ngozi", req.Voice)
		}

		w.Header().Set("Content-Type", "audio/wav")
		w.Write(buildTestWAV(pcm, 24000, 1))
	}))
	defer srv.Close()

	p, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &frameCollector{}
	handle, err := p.Synthesize(context.Background(), tts.Request{Text: "Nnọọ", Voice: igboVoice()}, sink)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	waitDone(t, handle)

	if err := handle.Err(); err != nil {
		t.Fatalf("handle.Err() = %v", err)
	}
	if got := sink.concat(); !bytes.Equal(got, pcm) {
		t.Errorf("received %d PCM bytes, want %d", len(got), len(pcm))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) < 2 {
		t.Errorf("expected chunked delivery, got %d frame(s)", len(sink.frames))
	}
	for i, f := range sink.frames {
		if f.SampleRate != 24000 || f.Channels != 1 {
			t.Errorf("frame %d format = %d Hz %dch, want 24000 Hz 1ch", i, f.SampleRate, f.Channels)
		}
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("key")
	_, err := p.Synthesize(context.Background(), tts.Request{Voice: igboVoice()}, &frameCollector{})
	if !errors.Is(err, provider.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSynthesize_EmptyVoiceID(t *testing.T) {
	p, _ := New("key")
	voice := igboVoice()
	voice.VoiceID = ""
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: voice}, &frameCollector{})
	if !errors.Is(err, provider.ErrVoiceUnavailable) {
		t.Errorf("err = %v, want ErrVoiceUnavailable", err)
	}
}

func TestSynthesize_InvalidLanguage(t *testing.T) {
	p, _ := New("key")
	voice := igboVoice()
	voice.Language = types.Language("xx")
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: voice}, &frameCollector{})
	if !errors.Is(err, provider.ErrLanguageUnsupported) {
		t.Errorf("err = %v, want ErrLanguageUnsupported", err)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, provider.ErrAuthFailure},
		{"rate limited", http.StatusTooManyRequests, provider.ErrRateLimited},
		{"unknown voice", http.StatusNotFound, provider.ErrVoiceUnavailable},
		{"internal", http.StatusInternalServerError, provider.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p, _ := New("key", WithBaseURL(srv.URL))
			handle, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: igboVoice()}, &frameCollector{})
			if err != nil {
				t.Fatalf("Synthesize returned immediate error %v; want failure via handle", err)
			}
			waitDone(t, handle)
			if got := handle.Err(); !errors.Is(got, tc.want) {
				t.Errorf("handle.Err() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSynthesize_MalformedWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a wav file"))
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	handle, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: igboVoice()}, &frameCollector{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	waitDone(t, handle)
	if handle.Err() == nil {
		t.Error("handle.Err() = nil, want WAV parse error")
	}
}

func TestSynthesize_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write(buildTestWAV([]byte{1, 2, 3, 4}, 24000, 1))
	}))
	defer srv.Close()
	defer close(release)

	p, _ := New("key", WithBaseURL(srv.URL))
	handle, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: igboVoice()}, &frameCollector{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	handle.Cancel()
	waitDone(t, handle)

	if got := handle.Err(); !errors.Is(got, context.Canceled) {
		t.Errorf("handle.Err() = %v, want context.Canceled", got)
	}
}

// ---- WAV parsing ----

func TestParseWAV(t *testing.T) {
	pcm := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	wav := buildTestWAV(pcm, 22050, 2)

	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", info.SampleRate)
	}
	if info.Channels != 2 {
		t.Errorf("Channels = %d, want 2", info.Channels)
	}
	if !bytes.Equal(wav[info.DataOffset:], pcm) {
		t.Errorf("DataOffset %d does not point at the PCM payload", info.DataOffset)
	}
}

func TestParseWAV_ExtraChunkBeforeData(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	wav := buildTestWAV(pcm, 24000, 1)

	// Splice a LIST chunk between fmt and data.
	list := append([]byte("LIST"), 0, 0, 0, 0)
	le := binary.LittleEndian
	le.PutUint32(list[4:8], 4)
	list = append(list, []byte("INFO")...)

	spliced := make([]byte, 0, len(wav)+len(list))
	spliced = append(spliced, wav[:36]...) // RIFF header + fmt chunk
	spliced = append(spliced, list...)
	spliced = append(spliced, wav[36:]...)

	info, err := parseWAV(spliced)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if !bytes.Equal(spliced[info.DataOffset:], pcm) {
		t.Error("DataOffset does not point at the PCM payload after extra chunk")
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	cases := []struct {
		name string
		wav  []byte
	}{
		{"too short", []byte("RIFF")},
		{"missing RIFF", append([]byte("JUNK"), make([]byte, 20)...)},
		{"missing data chunk", buildTestWAV(nil, 24000, 1)[:20]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseWAV(tc.wav); err == nil {
				t.Error("parseWAV should fail")
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	if err := classifyStatus(http.StatusForbidden, "v"); !errors.Is(err, provider.ErrAuthFailure) {
		t.Errorf("403 = %v, want ErrAuthFailure", err)
	}
	if err := classifyStatus(http.StatusBadRequest, "v"); !errors.Is(err, provider.ErrVoiceUnavailable) {
		t.Errorf("400 = %v, want ErrVoiceUnavailable", err)
	}
}
