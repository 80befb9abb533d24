// Copyright 2022 The tickstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickstream/core"
	"github.com/alwitt/tickstream/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// MarketDataRequest one fetch issued against the market data backbone
type MarketDataRequest struct {
	// DataKind what is being fetched
	DataKind string `json:"data_kind"`
	// Params opaque subscription parameters forwarded to the responder
	Params map[string]string `json:"params,omitempty"`
	// Timestamp when the fetch was issued
	Timestamp time.Time `json:"timestamp"`
}

// FactoryParams market data producer factory parameters
type FactoryParams struct {
	// SubjectPrefix NATS subject prefix fetch requests are issued under
	SubjectPrefix string `validate:"required"`
	// RequestTimeout max duration of one fetch
	RequestTimeout time.Duration `validate:"required,gt=0"`
}

// Factory builds per-subscription data producers backed by NATS request-reply.
//
// Each data kind maps to the subject "<prefix>.<dataKind>"; whatever service
// answers on that subject is the source of truth for the payload.
type Factory interface {
	// ForDataKind build the data producer for one data kind
	ForDataKind(dataKind string) (session.DataProducer, error)
}

// natsFactory implements Factory
type natsFactory struct {
	goutils.Component
	client core.NatsClient
	params FactoryParams
}

// GetNATSProducerFactory define a producer factory over a NATS client
func GetNATSProducerFactory(client core.NatsClient, params FactoryParams) (Factory, error) {
	logTags := log.Fields{
		"module": "producer", "component": "nats-factory",
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid producer factory params")
		return nil, err
	}
	return &natsFactory{
		Component: goutils.Component{LogTags: logTags},
		client:    client,
		params:    params,
	}, nil
}

// ForDataKind build the data producer for one data kind
func (f *natsFactory) ForDataKind(dataKind string) (session.DataProducer, error) {
	if dataKind == "" {
		return nil, fmt.Errorf("data kind is required")
	}
	subject := fmt.Sprintf("%s.%s", f.params.SubjectPrefix, dataKind)
	logTags := log.Fields{
		"module": "producer", "component": "nats-producer", "subject": subject,
	}

	fetch := func(ctxt context.Context, params map[string]string) (json.RawMessage, error) {
		request := MarketDataRequest{
			DataKind: dataKind, Params: params, Timestamp: time.Now(),
		}
		serialized, err := json.Marshal(&request)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to serialize fetch request")
			return nil, err
		}

		fetchCtxt, cancel := context.WithTimeout(ctxt, f.params.RequestTimeout)
		defer cancel()
		reply, err := f.client.NATs().RequestWithContext(fetchCtxt, subject, serialized)
		if err != nil {
			log.WithError(err).WithFields(logTags).Warn("Market data fetch failed")
			return nil, fmt.Errorf("market data fetch on %s failed: %w", subject, err)
		}
		if !json.Valid(reply.Data) {
			return nil, fmt.Errorf("market data responder on %s returned invalid JSON", subject)
		}
		return json.RawMessage(reply.Data), nil
	}
	return fetch, nil
}
