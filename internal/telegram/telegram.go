//
// Copyright 2019 Insolar Technologies GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package telegram

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/notify"
)

// Bot is the part of *tgbotapi.BotAPI in use.
type Bot interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

const (
	statusCreator       = "creator"
	statusAdministrator = "administrator"
	statusMember        = "member"
	statusRestricted    = "restricted"
	statusLeft          = "left"
	statusKicked        = "kicked"
)

// Bot API answers for requests that are already satisfied.
const (
	errAlreadyParticipant = "USER_ALREADY_PARTICIPANT"
	errRequestMissing     = "HIDE_REQUESTER_MISSING"
)

// banWindow is long enough for the ban to take effect before the unban.
const banWindow = time.Minute

func NewBot(cfg configuration.Telegram) (*tgbotapi.BotAPI, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is not configured")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to telegram")
	}
	return bot, nil
}

// Moderator applies gate decisions in Telegram groups. It checks the
// member status first so repeated calls do not repeat the action.
type Moderator struct {
	bot Bot
	log *logrus.Logger
}

func NewModerator(bot Bot, log *logrus.Logger) *Moderator {
	return &Moderator{bot: bot, log: log}
}

func (m *Moderator) ApproveJoinRequest(_ context.Context, groupID, userID int64) (bool, error) {
	_, err := m.bot.Request(tgbotapi.ApproveChatJoinRequestConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: groupID},
		UserID:     userID,
	})
	if err != nil {
		if hasReason(err, errAlreadyParticipant) || hasReason(err, errRequestMissing) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to approve join request")
	}
	return true, nil
}

func (m *Moderator) Unrestrict(_ context.Context, groupID, userID int64) (bool, error) {
	member, err := m.member(groupID, userID)
	if err != nil {
		return false, err
	}
	if member.Status != statusRestricted {
		return false, nil
	}
	return true, m.restrict(groupID, userID, fullPermissions())
}

func (m *Moderator) Restrict(_ context.Context, groupID, userID int64) (bool, error) {
	member, err := m.member(groupID, userID)
	if err != nil {
		return false, err
	}
	switch member.Status {
	case statusLeft, statusKicked:
		return false, nil
	case statusRestricted:
		if !member.CanSendMessages {
			return false, nil
		}
	case statusCreator, statusAdministrator:
		return false, errors.Errorf("user %d is an administrator of %d", userID, groupID)
	}
	return true, m.restrict(groupID, userID, &tgbotapi.ChatPermissions{})
}

func (m *Moderator) Kick(_ context.Context, groupID, userID int64) (bool, error) {
	member, err := m.member(groupID, userID)
	if err != nil {
		return false, err
	}
	switch member.Status {
	case statusLeft, statusKicked:
		return false, nil
	case statusCreator, statusAdministrator:
		return false, errors.Errorf("user %d is an administrator of %d", userID, groupID)
	}
	target := tgbotapi.ChatMemberConfig{ChatID: groupID, UserID: userID}
	if _, err := m.bot.Request(tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: target,
		UntilDate:        time.Now().Add(banWindow).Unix(),
	}); err != nil {
		return false, errors.Wrap(err, "failed to ban member")
	}
	if _, err := m.bot.Request(tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: target,
		OnlyIfBanned:     true,
	}); err != nil {
		// The ban expires on its own after banWindow.
		m.log.WithFields(logrus.Fields{
			"group_id": groupID,
			"user_id":  userID,
		}).WithError(err).Warn("failed to unban kicked member")
	}
	return true, nil
}

func (m *Moderator) member(groupID, userID int64) (tgbotapi.ChatMember, error) {
	member, err := m.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: groupID, UserID: userID},
	})
	if err != nil {
		return member, errors.Wrap(err, "failed to get chat member")
	}
	return member, nil
}

func (m *Moderator) restrict(groupID, userID int64, permissions *tgbotapi.ChatPermissions) error {
	_, err := m.bot.Request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: groupID, UserID: userID},
		Permissions:      permissions,
	})
	return errors.Wrap(err, "failed to change member permissions")
}

func fullPermissions() *tgbotapi.ChatPermissions {
	return &tgbotapi.ChatPermissions{
		CanSendMessages:       true,
		CanSendMediaMessages:  true,
		CanSendPolls:          true,
		CanSendOtherMessages:  true,
		CanAddWebPagePreviews: true,
		CanInviteUsers:        true,
	}
}

func hasReason(err error, reason string) bool {
	return strings.Contains(err.Error(), reason)
}

// Notifier sends notifications as direct messages.
type Notifier struct {
	bot Bot
}

func NewNotifier(bot Bot) *Notifier {
	return &Notifier{bot: bot}
}

func (n *Notifier) Notify(_ context.Context, note notify.Notification) error {
	if note.Message == "" {
		return nil
	}
	_, err := n.bot.Send(tgbotapi.NewMessage(note.UserID, note.Message))
	return errors.Wrapf(err, "failed to message user %d", note.UserID)
}
