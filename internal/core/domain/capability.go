package domain

// Action is something a participant may attempt in a call.
type Action string

const (
	ActionMuteSelf          Action = "mute_self"
	ActionEnableVideo       Action = "enable_video"
	ActionScreenShare       Action = "screen_share"
	ActionRaiseHand         Action = "raise_hand"
	ActionMuteOthers        Action = "mute_others"
	ActionLockRoom          Action = "lock_room"
	ActionEndForEveryone    Action = "end_for_everyone"
	ActionStartRecording    Action = "start_recording"
	ActionStopRecording     Action = "stop_recording"
	ActionPromote           Action = "promote"
	ActionDemote            Action = "demote"
	ActionRemoveParticipant Action = "remove_participant"
	ActionManageHands       Action = "manage_hands"
	ActionInvite            Action = "invite"
	ActionAssignCoHost      Action = "assign_co_host"
	ActionAnnotate          Action = "annotate"
)

// AllActions lists every action known to the capability matrix.
var AllActions = []Action{
	ActionMuteSelf, ActionEnableVideo, ActionScreenShare, ActionRaiseHand,
	ActionMuteOthers, ActionLockRoom, ActionEndForEveryone, ActionStartRecording,
	ActionStopRecording, ActionPromote, ActionDemote, ActionRemoveParticipant,
	ActionManageHands, ActionInvite, ActionAssignCoHost, ActionAnnotate,
}

// AllRoles lists every role in descending privilege.
var AllRoles = []Role{RoleHost, RoleCoHost, RoleSpeaker, RoleParticipant, RoleViewer}

var (
	publishers  = roleSet(RoleHost, RoleCoHost, RoleSpeaker, RoleParticipant)
	moderators  = roleSet(RoleHost, RoleCoHost)
	hostOnly    = roleSet(RoleHost)
	handRaisers = roleSet(RoleHost, RoleCoHost, RoleParticipant, RoleViewer)
)

var capabilities = map[Action]map[Role]bool{
	ActionMuteSelf:          publishers,
	ActionEnableVideo:       publishers,
	ActionScreenShare:       publishers,
	ActionAnnotate:          publishers,
	ActionRaiseHand:         handRaisers,
	ActionMuteOthers:        moderators,
	ActionLockRoom:          moderators,
	ActionEndForEveryone:    moderators,
	ActionPromote:           moderators,
	ActionDemote:            moderators,
	ActionRemoveParticipant: moderators,
	ActionManageHands:       moderators,
	ActionInvite:            moderators,
	ActionStartRecording:    hostOnly,
	ActionStopRecording:     hostOnly,
	ActionAssignCoHost:      hostOnly,
}

// CanPerform is the single source of truth for the role capability matrix.
// Unknown roles or actions are never allowed.
func CanPerform(role Role, action Action) bool {
	return capabilities[action][role]
}

func roleSet(roles ...Role) map[Role]bool {
	set := make(map[Role]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	return set
}
