// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector binds the mirror core to a messaging platform and runs
// it as a service.
//
// # Core Types
//
// [MirrorConnector] owns the service lifecycle: it opens the mapping store,
// starts the dispatcher and the platform event stream, triggers backfill on
// startup and after reconnects, and serves the admin API.
//
// [MattermostClient] posts copies through the Mattermost REST API and
// receives source events over the WebSocket.
//
// [MatrixClient] sends copies as m.room.message events and receives source
// events through /sync.
//
// # Echo Prevention
//
// Posts made by the mirror account itself, system messages and posts from
// usernames matching known bridge patterns (including the configured
// bot_prefix) are never mirrored, live or from history. These layers must
// not be simplified or removed.
package connector
