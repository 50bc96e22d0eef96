// Package queue implements the durable notification queue: at-least-once
// delivery with explicit lease records, a lease sweeper for implicit nacks,
// and a redrive policy that moves a message to the dead-letter sink after
// MaxReceiveCount failed receives.
//
// # Lifecycle
//
//  1. Enqueue: message written and indexed as available.
//  2. Receive: receive count incremented, message leased to one consumer
//     for the visibility timeout.
//  3. Ack: message and lease deleted; a completion record is kept.
//  4. Nack, or lease expiry found by the Sweeper: the lease is released and
//     the Classifier is consulted. A message the classifier marks
//     DecisionDeadLetter, or one that has now failed MaxReceiveCount
//     receives since it was enqueued or last redriven, is
//     moved to the dead-letter sink in the same batch, and the arrival is
//     appended to the dlq/{queue} event log. Otherwise it becomes available
//     again after NackDelay.
//  5. RedriveDeadLetter: an operator returns a dead letter to the queue.
//     ReceiveCount keeps counting; ReceivesSinceRedrive starts over.
//  6. EnqueueBatch: several messages commit in one batch or not at all.
//     An Item with a Key is enqueued at most once per key.
//
// Delivery is at-least-once. A consumer that performs its side effect and
// then crashes before Ack will see the message again once the lease
// expires, so side effects may repeat.
//
// There is no ordering guarantee beyond "earliest available first".
package queue
