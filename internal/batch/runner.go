package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/metrics"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/wire"
)

// maxItemTries bounds attempts per item: one initial try plus retries on
// transport failures and upstream 5xx answers.
const maxItemTries = 3

// storeTimeout bounds the bookkeeping writes that happen after an item's
// own context may already be gone.
const storeTimeout = 5 * time.Second

func (s *Service) launch(rec *store.BatchRecord, items []store.BatchItem) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		metrics.BatchesInflight.Inc()
		defer metrics.BatchesInflight.Dec()

		var itemWG sync.WaitGroup
		for i := range items {
			item := items[i]
			s.sem <- struct{}{}
			itemWG.Add(1)
			go func() {
				defer itemWG.Done()
				defer func() { <-s.sem }()
				s.runItem(s.baseCtx, rec.ID, item)
			}()
		}
		itemWG.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.EndBatch(ctx, rec.ID, store.BatchEnded); err != nil {
			s.logger.Error("batch finalize failed", zap.String("batch_id", rec.ID), zap.Error(err))
			return
		}
		s.logger.Info("batch ended", zap.String("batch_id", rec.ID))
	}()
}

func (s *Service) runItem(ctx context.Context, batchID string, item store.BatchItem) {
	if ctx.Err() != nil {
		s.finishItem(batchID, item, store.ItemCanceled, canceledEnvelope())
		return
	}

	var req wire.MessagesRequest
	if err := json.Unmarshal(item.Params, &req); err != nil {
		// Validated at submit time, so a failure here means the stored
		// params were corrupted.
		s.finishItem(batchID, item, store.ItemErrored, envelopeFor(wire.Internal("stored params unreadable: %v", err)))
		return
	}

	resp, err := s.processWithRetry(ctx, &req)
	if err != nil {
		if ctx.Err() != nil {
			s.finishItem(batchID, item, store.ItemCanceled, canceledEnvelope())
			return
		}
		apiErr := wire.AsAPIError(err)
		s.logger.Warn("batch item failed",
			zap.String("batch_id", batchID),
			zap.String("custom_id", item.CustomID),
			zap.Int("status", apiErr.StatusCode),
			zap.String("error", apiErr.Message))
		s.finishItem(batchID, item, store.ItemErrored, envelopeFor(err))
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.finishItem(batchID, item, store.ItemErrored, envelopeFor(wire.Internal("could not encode response: %v", err)))
		return
	}
	s.finishItem(batchID, item, store.ItemSucceeded, body)
}

func (s *Service) processWithRetry(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	var resp *wire.MessagesResponse
	policy := backoff.WithContext(s.newBackOff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		resp, err = s.pipeline.Process(ctx, req)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// retryable reports whether an attempt may be repeated. Transport failures
// and upstream 5xx answers arrive as retryable APIErrors; validation and
// auth failures are final.
func retryable(err error) bool {
	var apiErr *wire.APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

func (s *Service) finishItem(batchID string, item store.BatchItem, status string, result []byte) {
	metrics.BatchItemsTotal.WithLabelValues(status).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.UpdateItem(ctx, item.ID, status, result); err != nil {
		s.logger.Error("batch item update failed",
			zap.String("batch_id", batchID),
			zap.Int64("item_id", item.ID),
			zap.Error(err))
	}
}

func envelopeFor(err error) []byte {
	apiErr := wire.AsAPIError(err)
	body, _ := json.Marshal(wire.NewErrorEnvelope(apiErr.Kind, apiErr.Message))
	return body
}

func canceledEnvelope() []byte {
	body, _ := json.Marshal(wire.NewErrorEnvelope(wire.ErrAPI, "request canceled before completion"))
	return body
}
