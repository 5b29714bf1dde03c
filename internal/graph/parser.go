// Copyright (c) 2026 John Earle
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

package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bcem/newspod/internal/mail"
	"github.com/bcem/newspod/internal/models"
)

// graphMessage represents the relevant fields from a Graph API message response.
type graphMessage struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	ReceivedDateTime string `json:"receivedDateTime"`
	From             struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

// parseGraphMessage converts a Graph API message into a SourceItem.
func parseGraphMessage(raw json.RawMessage) (models.SourceItem, error) {
	var msg graphMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.SourceItem{}, fmt.Errorf("decode graph message: %w", err)
	}
	if msg.ID == "" {
		return models.SourceItem{}, fmt.Errorf("graph message has no id")
	}

	received, err := time.Parse(time.RFC3339, msg.ReceivedDateTime)
	if err != nil {
		return models.SourceItem{}, fmt.Errorf("parse receivedDateTime %q: %w", msg.ReceivedDateTime, err)
	}

	sender := msg.From.EmailAddress.Address
	if name := msg.From.EmailAddress.Name; name != "" && name != sender {
		sender = fmt.Sprintf("%s <%s>", name, sender)
	}

	body := msg.Body.Content
	if strings.EqualFold(msg.Body.ContentType, "html") {
		body = mail.HTMLToText(body)
	} else {
		body = mail.CollapseWhitespace(body)
	}

	return models.SourceItem{
		ID:         msg.ID,
		ReceivedAt: received.UTC(),
		Subject:    msg.Subject,
		Sender:     sender,
		Source:     models.SourceFromSender(msg.From.EmailAddress.Address),
		Body:       body,
	}, nil
}
