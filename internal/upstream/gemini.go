package upstream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini Live dialer.
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
}

// GeminiDialer opens Gemini Live sessions with audio responses.
type GeminiDialer struct {
	cfg    GeminiConfig
	log    logrus.FieldLogger
	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiDialer(cfg GeminiConfig, log logrus.FieldLogger) *GeminiDialer {
	return &GeminiDialer{cfg: cfg, log: log}
}

// getClient lazily builds the shared API client.
func (d *GeminiDialer) getClient(ctx context.Context) (*genai.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	if d.cfg.APIKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}
	d.client = c
	return c, nil
}

func (d *GeminiDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.Live.Connect(ctx, d.cfg.Model, d.connectConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "live connect model=%s voice=%s", d.cfg.Model, cfg.Voice)
	}
	d.log.WithFields(logrus.Fields{"model": d.cfg.Model, "voice": cfg.Voice, "locale": cfg.Locale}).Debug("gemini live session opened")
	return &geminiConn{sess: sess}, nil
}

func (d *GeminiDialer) connectConfig(cfg Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			LanguageCode: cfg.Locale,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		// Turns are delimited explicitly by the bridge.
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
		},
	}
	if d.cfg.SystemPrompt != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: d.cfg.SystemPrompt}}}
	}
	return lc
}

// geminiConn adapts a genai live session to Conn. Sends are serialized; one
// server message may expand into several events, which are queued.
type geminiConn struct {
	sess *genai.Session

	sendMu   sync.Mutex
	activity bool

	pending []Event
}

func (c *geminiConn) SendAudio(_ context.Context, pcm []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.activity {
		if err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{ActivityStart: &genai.ActivityStart{}}); err != nil {
			return errors.Wrap(err, "send activity start")
		}
		c.activity = true
	}
	err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: InputMIMEType},
	})
	return errors.Wrap(err, "send audio")
}

func (c *geminiConn) EndTurn(context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.activity {
		return nil
	}
	c.activity = false
	return errors.Wrap(c.sess.SendRealtimeInput(genai.LiveRealtimeInput{ActivityEnd: &genai.ActivityEnd{}}), "send activity end")
}

func (c *geminiConn) SendText(_ context.Context, text string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	turnComplete := true
	err := c.sess.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}},
		TurnComplete: &turnComplete,
	})
	return errors.Wrap(err, "send text")
}

// Recv is only called from the single consumer goroutine of this handle.
func (c *geminiConn) Recv(context.Context) (Event, error) {
	for len(c.pending) == 0 {
		msg, err := c.sess.Receive()
		if err != nil {
			return Event{}, err
		}
		c.pending = eventsFromMessage(msg)
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *geminiConn) Close() error {
	return c.sess.Close()
}

// eventsFromMessage flattens one server message in stream order: model audio
// and text parts, then the output transcription, then turn completion. A
// message flagged as interrupted ends the turn it interrupted, and carries
// no turn completion of its own.
func eventsFromMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil || msg.ServerContent == nil {
		metricGeminiMessages.WithLabelValues("other").Inc()
		return nil
	}
	sc := msg.ServerContent
	var out []Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				out = append(out, Event{Kind: EventAudio, Audio: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
				metricGeminiMessages.WithLabelValues("audio").Inc()
			}
			if p.Text != "" && !p.Thought {
				out = append(out, Event{Kind: EventText, Text: p.Text})
				metricGeminiMessages.WithLabelValues("text").Inc()
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, Event{Kind: EventText, Text: sc.OutputTranscription.Text})
		metricGeminiMessages.WithLabelValues("transcription").Inc()
	}
	if sc.Interrupted {
		out = append(out, Event{Kind: EventInterrupted})
		metricGeminiMessages.WithLabelValues("interrupted").Inc()
		return out
	}
	if sc.TurnComplete {
		out = append(out, Event{Kind: EventTurnComplete})
		metricGeminiMessages.WithLabelValues("turn_complete").Inc()
	}
	return out
}

// Probe checks that the API key is accepted and the configured model exists.
func (d *GeminiDialer) Probe(ctx context.Context) error {
	client, err := d.getClient(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Models.Get(ctx, d.cfg.Model, nil); err != nil {
		return errors.Wrapf(err, "get model %s", d.cfg.Model)
	}
	return nil
}
