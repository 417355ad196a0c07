// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router turns Matrix timeline events into agent calls.
//
// [Router.Handle] runs on the sync loop and does only cheap work: it
// drops events the bridge produced itself ([Router.IsSelfOrigin]) and
// events already processed, parses the command, and checks the sender
// against the allow list. Accepted commands are queued on a worker
// goroutine owned by the conversation, so commands in one room run in
// order while other rooms proceed independently.
//
// Every failure is folded into a [Kind] by [Classify] and answered
// with the fixed text from [UserMessage]; raw errors never reach a
// reply.
package router
