// Package guildhall implements a multi-purpose Discord bot with a web
// dashboard for configuring it.
//
// The bot and the dashboard run as separate processes against the same
// store (SQLite, PostgreSQL or MongoDB). The bot serves a small internal
// REST API, the bridge, which the dashboard uses for anything that needs
// the gateway connection, like listing a guild's channels.
//
// Key components of the package include:
//
//   - Bot: the gateway process. Owns the session, store and bridge.
//   - Registry: command definitions, looked up by name or alias.
//   - Pipeline: runs a command invocation through its prechecks
//     (maintenance, owner, guild, cooldown, permissions, premium), binds
//     arguments and replies.
//   - EventDispatcher: fans gateway events out to ordered listeners, so
//     one failing listener can't stop the rest.
//   - Store: persistence for accounts, guild settings, suggestions,
//     reminders and the rest.
//   - Dashboard: Discord OAuth2 login, pages and the settings REST API.
//   - BridgeAPI and BridgeClient: the internal API and its client.
//
// Commands work both as text commands, using the guild's prefix, and as
// slash commands. The built-in commands cover an economy (daily, work,
// pay, gamble and bank transfers), suggestions with voting, temporary voice
// channels, moderation warnings, reminders, AFK status, auto-responses,
// custom commands, welcome messages and an alt account detector.
package guildhall
