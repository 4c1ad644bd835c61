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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleConnection upgrades GET /ws/:room/:member/:credentials and hands the
// transport to the manager. Authentication failures close the socket with a
// policy-violation frame so the client can tell them apart from network
// noise.
func (m *Manager) HandleConnection(c *gin.Context) {
	room := element.RoomID(c.Param("room"))
	member := element.MemberID(c.Param("member"))
	credentials := c.Param("credentials")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnw("websocket upgrade failed", err)
		return
	}

	conn := NewWSSignalConn(ws)
	if _, err := m.Authenticate(c.Request.Context(), room, member, credentials, conn); err != nil {
		m.log.Infow("rejecting session", "room", string(room), "member", string(member), "error", err.Error())
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
		_ = ws.Close()
	}
}
