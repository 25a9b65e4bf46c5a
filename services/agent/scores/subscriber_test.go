// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scores

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFleet/pkg/queue"
	"github.com/AleutianAI/AleutianFleet/services/fleet/learn"
)

func TestScore_DefaultForUnknownPair(t *testing.T) {
	s := NewSubscriber("score-updates.i1", queue.NewMemoryQueue(time.Second), 2.5, time.Second, nil)

	score, learned := s.Score("gpt-4o", "complex")
	if learned {
		t.Error("expected unlearned pair")
	}
	if score != 2.5 {
		t.Errorf("score = %v, want default 2.5", score)
	}
}

func TestApply_IdempotentOverwrite(t *testing.T) {
	s := NewSubscriber("score-updates.i1", queue.NewMemoryQueue(time.Second), 2.5, time.Second, nil)

	ev := learn.ScoreUpdateEvent{
		Model: "gpt-4o", Complexity: "complex",
		OldScore: 2.5, NewScore: 2.8,
		Reason: "high success rate", Timestamp: time.Now().UTC(),
	}
	s.Apply(ev)
	s.Apply(ev) // redelivery must not accumulate

	score, learned := s.Score("gpt-4o", "complex")
	if !learned || score != 2.8 {
		t.Errorf("score = %v, learned = %v, want 2.8 applied once", score, learned)
	}
}

func TestRun_DrainsQueue(t *testing.T) {
	q := queue.NewMemoryQueue(time.Second)
	queueName := QueueName("score-updates", "i1")
	s := NewSubscriber(queueName, q, 2.5, 10*time.Millisecond, nil)

	body, err := json.Marshal(learn.ScoreUpdateEvent{
		Model: "claude", Complexity: "simple", OldScore: 2.5, NewScore: 3.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(context.Background(), queueName, body); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if score, learned := s.Score("claude", "simple"); learned {
			if score != 3.1 {
				t.Errorf("score = %v, want 3.1", score)
			}
			if q.Depth(queueName) != 0 {
				t.Error("event not acked")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("score update never applied")
}

func TestQueueName(t *testing.T) {
	if got := QueueName("score-updates", "i1"); got != "score-updates.i1" {
		t.Errorf("QueueName() = %q", got)
	}
}
