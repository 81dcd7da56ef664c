package visitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientFrame_Valid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"hello", `{"type":"hello","visitor_id":"v1","tab_id":"t1","load_id":"l1","muted":true,"device":{"viewport":{"width":390,"height":844},"max_touch_points":5}}`, nil},
		{"interact", `{"type":"interact"}`, ClientAction{Type: TypeInteract}},
		{"open", `{"type":"open_ai_chat"}`, ClientAction{Type: TypeOpenAIChat}},
		{"unload", `{"type":"unload"}`, ClientAction{Type: TypeUnload}},
		{"ask", `{"type":"ask","text":"where is the exit?"}`, ClientAsk{Type: TypeAsk, Text: "where is the exit?"}},
		{"submit", `{"type":"submit_identity","name":"Ana","contact":"ana@x.com"}`, ClientSubmitIdentity{Type: TypeSubmitIdentity, Name: "Ana", Contact: "ana@x.com"}},
		{"send", `{"type":"send","text":"hi"}`, ClientSend{Type: TypeSend, Text: "hi"}},
		{"muted", `{"type":"set_muted","muted":true}`, ClientSetMuted{Type: TypeSetMuted, Muted: true}},
		{"visibility", `{"type":"visibility","hidden":true}`, ClientVisibility{Type: TypeVisibility, Hidden: true}},
		{"viewport", `{"type":"viewport","width":800,"height":600}`, ClientViewport{Type: TypeViewport, Width: 800, Height: 600}},
		{"ack", `{"type":"media_ack","id":"c1","ok":true,"time":3.5}`, ClientMediaAck{Type: TypeMediaAck, ID: "c1", OK: true, Time: 3.5}},
		{"time", `{"type":"media_time","surface":"pip","time":9}`, ClientMediaTime{Type: TypeMediaTime, Surface: "pip", Time: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientFrame([]byte(tt.in))
			require.NoError(t, err)
			if tt.want == nil {
				hello, ok := got.(ClientHello)
				require.True(t, ok, "got %T", got)
				assert.Equal(t, "v1", hello.VisitorID)
				assert.Equal(t, "t1", hello.TabID)
				assert.Equal(t, "l1", hello.LoadID)
				assert.True(t, hello.Muted)
				assert.Equal(t, 390, hello.Device.Viewport.Width)
				assert.Equal(t, 5, hello.Device.MaxTouchPoints)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeClientFrame_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		param string
	}{
		{"not json", `{`, ""},
		{"no type", `{"text":"x"}`, "type"},
		{"unknown", `{"type":"dance"}`, "type"},
		{"hello without visitor", `{"type":"hello","tab_id":"t"}`, "visitor_id"},
		{"hello without tab", `{"type":"hello","visitor_id":"v"}`, "tab_id"},
		{"blank ask", `{"type":"ask","text":"  "}`, "text"},
		{"blank send", `{"type":"send"}`, "text"},
		{"zero viewport", `{"type":"viewport","width":0,"height":10}`, "width"},
		{"ack without id", `{"type":"media_ack","ok":true}`, "id"},
		{"bad surface", `{"type":"media_time","surface":"tv"}`, "surface"},
		{"wrong field type", `{"type":"set_muted","muted":"yes"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientFrame([]byte(tt.in))
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "err = %v", err)
			assert.Equal(t, tt.param, perr.Param)
			assert.Contains(t, err.Error(), "visitor: protocol:")
		})
	}
}
