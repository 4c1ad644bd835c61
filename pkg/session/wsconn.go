// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// WSSignalConn adapts a websocket to SignalConn. Writes are serialized with a
// mutex since gorilla allows only one concurrent writer.
type WSSignalConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func NewWSSignalConn(conn *websocket.Conn) *WSSignalConn {
	return &WSSignalConn{conn: conn}
}

func (c *WSSignalConn) ReadMessage() (*ClientMessage, error) {
	msg := &ClientMessage{}
	if err := c.conn.ReadJSON(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *WSSignalConn) WriteMessage(msg *ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *WSSignalConn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
