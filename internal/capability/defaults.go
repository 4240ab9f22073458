package capability

import "github.com/sells-group/safeguard/internal/model"

func entry(cat model.RuleCategory, support model.SupportLevel, dir model.Direction) model.Capability {
	return model.Capability{Category: cat, Support: support, Direction: dir}
}

// defaultPlatforms is the compiled-in capability matrix. Deployments extend
// or override it with a YAML registry file.
var defaultPlatforms = []model.Platform{
	{
		ID:   "loopback",
		Name: "Loopback (testing)",
		Capabilities: []model.Capability{
			entry(model.CategoryContentRating, model.SupportFull, model.DirectionBidirectional),
			entry(model.CategoryTimeDailyLimit, model.SupportFull, model.DirectionBidirectional),
			entry(model.CategoryWebSafeSearch, model.SupportFull, model.DirectionBidirectional),
			entry(model.CategoryPurchaseBlockAll, model.SupportFull, model.DirectionBidirectional),
		},
	},
	{
		ID:   "streamhub",
		Name: "StreamHub Video",
		Capabilities: []model.Capability{
			entry(model.CategoryContentRating, model.SupportFull, model.DirectionBidirectional),
			entry(model.CategoryContentTitles, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryContentChannels, model.SupportPartial, model.DirectionPushOnly),
			entry(model.CategoryAlgoDisableAutoplay, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryTimeDailyLimit, model.SupportPartial, model.DirectionPushOnly),
			entry(model.CategoryMonitorScreenTimeReport, model.SupportFull, model.DirectionPullOnly),
		},
	},
	{
		ID:   "gamebox",
		Name: "GameBox Console",
		Capabilities: []model.Capability{
			entry(model.CategoryContentRating, model.SupportFull, model.DirectionBidirectional),
			entry(model.CategoryTimeDailyLimit, model.SupportFull, model.DirectionBidirectional),
			entry(model.CategoryTimeBedtime, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryTimeSchedule, model.SupportPartial, model.DirectionPushOnly),
			entry(model.CategoryPurchaseBlockAll, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryPurchaseApproval, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryPurchaseSpendLimit, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategorySocialBlockDM, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategorySocialVoiceChat, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategorySocialFriendApproval, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryMonitorScreenTimeReport, model.SupportFull, model.DirectionPullOnly),
		},
	},
	{
		ID:   "kidtube",
		Name: "KidTube",
		Capabilities: []model.Capability{
			entry(model.CategoryContentRating, model.SupportPartial, model.DirectionPushOnly),
			entry(model.CategoryContentExplicit, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryWebSafeSearch, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryAlgoDisableAutoplay, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryAlgoRestrictedFeed, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryNotifyQuietHours, model.SupportPartial, model.DirectionPushOnly),
			entry(model.CategoryAdsPersonalization, model.SupportFull, model.DirectionPushOnly),
		},
	},
	{
		ID:   "chatline",
		Name: "ChatLine Social",
		Capabilities: []model.Capability{
			entry(model.CategorySocialBlockDM, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategorySocialAllowlist, model.SupportFull, model.DirectionBidirectional),
			entry(model.CategorySocialLivestream, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryPrivacyProfile, model.SupportFull, model.DirectionBidirectional),
			entry(model.CategoryPrivacyLocation, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryPrivacyContactInfo, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryAlgoChronologicalFeed, model.SupportPartial, model.DirectionPushOnly),
			entry(model.CategoryNotifyQuietHours, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryNotifyMarketing, model.SupportFull, model.DirectionPushOnly),
		},
	},
	{
		ID:   "homerouter",
		Name: "Home Router DNS",
		Capabilities: []model.Capability{
			entry(model.CategoryWebSafeSearch, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryWebBlockCategories, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryWebBlockDomains, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryWebAllowDomains, model.SupportFull, model.DirectionPushOnly),
			entry(model.CategoryWebHTTPSOnly, model.SupportPartial, model.DirectionPushOnly),
			entry(model.CategoryTimeSchedule, model.SupportPartial, model.DirectionPushOnly),
		},
	},
}
