package fanout

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	msgSubscribed   = "subscribed"
	msgUnsubscribed = "unsubscribed"
	msgPriceUpdate  = "price_update"
	msgError        = "error"
)

// clientMessage is the inbound subscription protocol. Symbol and Symbols are
// interchangeable; both may be set.
type clientMessage struct {
	Action  string   `json:"action"`
	Symbol  string   `json:"symbol,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

type serverMessage struct {
	Type      string   `json:"type"`
	Symbol    string   `json:"symbol,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Handler upgrades the request and runs the subscription read loop until the
// client disconnects.
func Handler(hub *Hub) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The API is public; browser origin checks add nothing here.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Errorf("fanout: upgrade: %v", err)
			return
		}
		maxBytes := int64(hub.cfg.MaxMessageKB) * 1024
		if maxBytes > 0 {
			ws.SetReadLimit(maxBytes)
		}
		conn := hub.Register(ws)
		readLoop(hub, conn, ws)
	}
}

// wsReader is the inbound surface of the transport, split out so the loop is
// testable without a live socket.
type wsReader interface {
	ReadMessage() (int, []byte, error)
}

func readLoop(hub *Hub, conn *Conn, ws wsReader) {
	defer hub.Drop(conn)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		handleClientMessage(hub, conn, raw)
	}
}

func handleClientMessage(hub *Hub, conn *Conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		conn.control(mustMarshal(serverMessage{Type: msgError, Message: "malformed message"}))
		return
	}

	symbols := msg.Symbols
	if msg.Symbol != "" {
		symbols = append(symbols, msg.Symbol)
	}

	switch msg.Action {
	case actionSubscribe:
		for _, symbol := range symbols {
			if key := hub.Subscribe(conn, symbol); key != "" {
				conn.control(mustMarshal(serverMessage{Type: msgSubscribed, Symbol: key, Timestamp: time.Now().UnixMilli()}))
			}
		}
	case actionUnsubscribe:
		for _, symbol := range symbols {
			if key := hub.Unsubscribe(conn, symbol); key != "" {
				conn.control(mustMarshal(serverMessage{Type: msgUnsubscribed, Symbol: key, Timestamp: time.Now().UnixMilli()}))
			}
		}
	default:
		conn.control(mustMarshal(serverMessage{Type: msgError, Message: "unknown action"}))
	}
}

func mustMarshal(msg serverMessage) []byte {
	raw, err := json.Marshal(msg)
	if err != nil {
		// serverMessage contains only marshalable fields.
		panic(err)
	}
	return raw
}
