package guildhall

import (
	"strings"
)

// Discord permission bits used by commands and the dashboard.
// See: https://discord.com/developers/docs/topics/permissions
const (
	PermKickMembers     int64 = 1 << 1
	PermBanMembers      int64 = 1 << 2
	PermAdministrator   int64 = 1 << 3
	PermManageChannels  int64 = 1 << 4
	PermManageGuild     int64 = 1 << 5
	PermViewChannel     int64 = 1 << 10
	PermSendMessages    int64 = 1 << 11
	PermManageMessages  int64 = 1 << 13
	PermEmbedLinks      int64 = 1 << 14
	PermReadHistory     int64 = 1 << 16
	PermConnect         int64 = 1 << 20
	PermMoveMembers     int64 = 1 << 24
	PermManageRoles     int64 = 1 << 28
	PermModerateMembers int64 = 1 << 40
)

var permissionNames = []struct {
	bit  int64
	name string
}{
	{PermKickMembers, "Kick Members"},
	{PermBanMembers, "Ban Members"},
	{PermAdministrator, "Administrator"},
	{PermManageChannels, "Manage Channels"},
	{PermManageGuild, "Manage Server"},
	{PermViewChannel, "View Channel"},
	{PermSendMessages, "Send Messages"},
	{PermManageMessages, "Manage Messages"},
	{PermEmbedLinks, "Embed Links"},
	{PermReadHistory, "Read Message History"},
	{PermConnect, "Connect"},
	{PermMoveMembers, "Move Members"},
	{PermManageRoles, "Manage Roles"},
	{PermModerateMembers, "Timeout Members"},
}

// missingPermissions returns the bits of required not present in have.
// Administrator implies every permission.
func missingPermissions(have int64, required int64) int64 {
	if have&PermAdministrator != 0 {
		return 0
	}
	return required &^ have
}

// permissionNamesOf returns a readable, comma separated list of the bits set
func permissionNamesOf(perms int64) string {
	var names []string
	for _, p := range permissionNames {
		if perms&p.bit != 0 {
			names = append(names, p.name)
		}
	}
	return strings.Join(names, ", ")
}

// canManageGuild reports whether a user with the given permissions may
// manage a guild's settings from the dashboard
func canManageGuild(owner bool, perms int64) bool {
	return owner || perms&PermManageGuild != 0 || perms&PermAdministrator != 0
}
