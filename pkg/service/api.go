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

package service

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/signal-server/pkg/logger"
)

// HTTPHandler binds the Control API onto HTTP:
//
//	POST   /control-api/<fid>   create the element described by the body
//	GET    /control-api/<fid>   get one element
//	GET    /control-api?fid=a   batch get; no fids means the full tree
//	DELETE /control-api/<fid>   delete; batch via ?fid=a&fid=b
type HTTPHandler struct {
	svc *ControlApiService
}

func NewHTTPHandler(svc *ControlApiService) *HTTPHandler {
	return &HTTPHandler{svc: svc}
}

func (h *HTTPHandler) Register(r *gin.Engine) {
	api := r.Group("/control-api")
	api.POST("/*fid", h.create)
	api.GET("/*fid", h.get)
	api.DELETE("/*fid", h.delete)
}

func (h *HTTPHandler) create(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.abort(c, err)
		return
	}

	sids, err := h.svc.Create(c.Request.Context(), pathFid(c), body)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sid": sids})
}

func (h *HTTPHandler) get(c *gin.Context) {
	elements, err := h.svc.Get(c.Request.Context(), requestFids(c))
	if err != nil {
		h.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"elements": elements})
}

func (h *HTTPHandler) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), requestFids(c)); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *HTTPHandler) abort(c *gin.Context, err error) {
	apiErr := AsError(err)
	if apiErr.Code == CodeUnknown {
		logger.Errorw("control api request failed", err, "path", c.Request.URL.Path)
	}
	c.AbortWithStatusJSON(httpStatus(apiErr.Code), apiErr)
}

// pathFid extracts the fid from the wildcard path segment.
func pathFid(c *gin.Context) string {
	return strings.Trim(c.Param("fid"), "/")
}

// requestFids merges the path fid with any ?fid= query values.
func requestFids(c *gin.Context) []string {
	fids := make([]string, 0, 1)
	if fid := pathFid(c); fid != "" {
		fids = append(fids, fid)
	}
	return append(fids, c.QueryArray("fid")...)
}

func httpStatus(code ErrorCode) int {
	switch {
	case code >= 1001 && code <= 1099:
		return http.StatusNotFound
	case code >= 1100 && code <= 1299:
		return http.StatusBadRequest
	case code >= 1300 && code <= 1399:
		return http.StatusConflict
	case code == CodeUnauthenticated:
		return http.StatusUnauthorized
	case code == CodePoolTimeout || code == CodePoolConnectFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
