// Package avabot implements "Ava", a Discord bot that relays questions from
// allowed channels to an OpenAI assistant, harvests question/answer pairs
// from a forum channel into an on-disk JSON knowledge base, and manages a
// waitlist by assigning a configured role to new members.
//
// Key components of the package include:
//
//   - Bot: The main struct tying all components together.
//   - KnowledgeStore: Owns the FAQ JSON file; append and lookup with
//     atomic-replace persistence and backup rotation.
//   - ForumWatcher: Scans the forum channel for new threads and appends
//     harvested Q&A pairs to the KnowledgeStore.
//   - WaitlistManager: Assigns the configured role to waitlisted members
//     and sends them a welcome DM.
//   - ChatRelay: Forwards messages from allowed channels to the OpenAI
//     assistant and replies with its answer.
//   - OpenAI: Wraps the OpenAI client, rate limiting and run polling.
//   - API: A small gin HTTP server exposing bot status, the knowledge
//     base, the waitlist, and a sync trigger.
//
// The bot keeps its operational state (channel threads, waitlist entries,
// forum cursor, message log) in a SQLite or PostgreSQL database via GORM.
// The knowledge base itself is a single JSON file, rewritten atomically on
// every append so readers never observe a partial write.
package avabot
