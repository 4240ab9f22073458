package model

// RuleCategory identifies one kind of child-safety rule. The catalog is
// closed: categories are added by releases, never by request handling.
type RuleCategory string

// Family groups related rule categories for reporting and config typing.
type Family string

const (
	FamilyContent      Family = "content"
	FamilyTime         Family = "time"
	FamilyPurchase     Family = "purchase"
	FamilySocial       Family = "social"
	FamilyWeb          Family = "web"
	FamilyPrivacy      Family = "privacy"
	FamilyMonitoring   Family = "monitoring"
	FamilyAlgorithmic  Family = "algorithmic"
	FamilyNotification Family = "notification"
	FamilyAdvertising  Family = "advertising"
	FamilyCompliance   Family = "compliance"
)

const (
	// Content controls.
	CategoryContentRating       RuleCategory = "content_rating"
	CategoryContentExplicit     RuleCategory = "content_block_explicit"
	CategoryContentTitles       RuleCategory = "content_block_titles"
	CategoryContentGenres       RuleCategory = "content_allowed_genres"
	CategoryContentChannels     RuleCategory = "content_block_channels"

	// Screen-time controls.
	CategoryTimeDailyLimit    RuleCategory = "time_daily_limit"
	CategoryTimeBedtime       RuleCategory = "time_bedtime"
	CategoryTimeSchedule      RuleCategory = "time_schedule"
	CategoryTimeAppLimit      RuleCategory = "time_app_limit"
	CategoryTimeBreakReminder RuleCategory = "time_break_reminder"

	// Purchase controls.
	CategoryPurchaseBlockAll      RuleCategory = "purchase_block_all"
	CategoryPurchaseApproval      RuleCategory = "purchase_approval_required"
	CategoryPurchaseSpendLimit    RuleCategory = "purchase_spend_limit"
	CategoryPurchaseLootBoxes     RuleCategory = "purchase_block_loot_boxes"
	CategoryPurchaseSubscriptions RuleCategory = "purchase_block_subscriptions"

	// Social controls.
	CategorySocialBlockDM        RuleCategory = "social_block_dm"
	CategorySocialAllowlist      RuleCategory = "social_contacts_allowlist"
	CategorySocialVoiceChat      RuleCategory = "social_block_voice_chat"
	CategorySocialFriendApproval RuleCategory = "social_friend_approval"
	CategorySocialLivestream     RuleCategory = "social_block_livestream"

	// Web controls.
	CategoryWebSafeSearch      RuleCategory = "web_safe_search"
	CategoryWebBlockCategories RuleCategory = "web_block_categories"
	CategoryWebBlockDomains    RuleCategory = "web_block_domains"
	CategoryWebAllowDomains    RuleCategory = "web_allow_domains"
	CategoryWebHTTPSOnly       RuleCategory = "web_https_only"

	// Privacy controls.
	CategoryPrivacyLocation    RuleCategory = "privacy_location_sharing"
	CategoryPrivacyProfile     RuleCategory = "privacy_profile_visibility"
	CategoryPrivacyTracking    RuleCategory = "privacy_block_tracking"
	CategoryPrivacyContactInfo RuleCategory = "privacy_hide_contact_info"

	// Monitoring and reporting.
	CategoryMonitorActivityReport   RuleCategory = "monitor_activity_report"
	CategoryMonitorScreenTimeReport RuleCategory = "monitor_screen_time_report"
	CategoryMonitorSearchHistory    RuleCategory = "monitor_search_history"
	CategoryMonitorAlertKeywords    RuleCategory = "monitor_alert_keywords"

	// Algorithmic safety.
	CategoryAlgoDisableAutoplay  RuleCategory = "algo_disable_autoplay"
	CategoryAlgoRestrictedFeed   RuleCategory = "algo_restricted_feed"
	CategoryAlgoRecommendations  RuleCategory = "algo_disable_recommendations"
	CategoryAlgoChronologicalFeed RuleCategory = "algo_chronological_feed"

	// Notification hygiene.
	CategoryNotifyQuietHours RuleCategory = "notify_quiet_hours"
	CategoryNotifyMarketing  RuleCategory = "notify_block_marketing"
	CategoryNotifyDigestOnly RuleCategory = "notify_digest_only"

	// Advertising and data.
	CategoryAdsPersonalization RuleCategory = "ads_personalization_off"
	CategoryAdsTargeted        RuleCategory = "ads_block_targeted"
	CategoryDataSaleOptOut     RuleCategory = "data_sale_optout"
	CategoryDataRetention      RuleCategory = "data_retention_limit"

	// Compliance expansion.
	CategoryComplianceCOPPA       RuleCategory = "compliance_coppa_mode"
	CategoryComplianceAgeGate     RuleCategory = "compliance_age_gate"
	CategoryComplianceConsent     RuleCategory = "compliance_parental_consent"
)

// categoryFamilies maps every known category to its family. This table is the
// source of truth for catalog membership.
var categoryFamilies = map[RuleCategory]Family{
	CategoryContentRating:   FamilyContent,
	CategoryContentExplicit: FamilyContent,
	CategoryContentTitles:   FamilyContent,
	CategoryContentGenres:   FamilyContent,
	CategoryContentChannels: FamilyContent,

	CategoryTimeDailyLimit:    FamilyTime,
	CategoryTimeBedtime:       FamilyTime,
	CategoryTimeSchedule:      FamilyTime,
	CategoryTimeAppLimit:      FamilyTime,
	CategoryTimeBreakReminder: FamilyTime,

	CategoryPurchaseBlockAll:      FamilyPurchase,
	CategoryPurchaseApproval:      FamilyPurchase,
	CategoryPurchaseSpendLimit:    FamilyPurchase,
	CategoryPurchaseLootBoxes:     FamilyPurchase,
	CategoryPurchaseSubscriptions: FamilyPurchase,

	CategorySocialBlockDM:        FamilySocial,
	CategorySocialAllowlist:      FamilySocial,
	CategorySocialVoiceChat:      FamilySocial,
	CategorySocialFriendApproval: FamilySocial,
	CategorySocialLivestream:     FamilySocial,

	CategoryWebSafeSearch:      FamilyWeb,
	CategoryWebBlockCategories: FamilyWeb,
	CategoryWebBlockDomains:    FamilyWeb,
	CategoryWebAllowDomains:    FamilyWeb,
	CategoryWebHTTPSOnly:       FamilyWeb,

	CategoryPrivacyLocation:    FamilyPrivacy,
	CategoryPrivacyProfile:     FamilyPrivacy,
	CategoryPrivacyTracking:    FamilyPrivacy,
	CategoryPrivacyContactInfo: FamilyPrivacy,

	CategoryMonitorActivityReport:   FamilyMonitoring,
	CategoryMonitorScreenTimeReport: FamilyMonitoring,
	CategoryMonitorSearchHistory:    FamilyMonitoring,
	CategoryMonitorAlertKeywords:    FamilyMonitoring,

	CategoryAlgoDisableAutoplay:   FamilyAlgorithmic,
	CategoryAlgoRestrictedFeed:    FamilyAlgorithmic,
	CategoryAlgoRecommendations:   FamilyAlgorithmic,
	CategoryAlgoChronologicalFeed: FamilyAlgorithmic,

	CategoryNotifyQuietHours: FamilyNotification,
	CategoryNotifyMarketing:  FamilyNotification,
	CategoryNotifyDigestOnly: FamilyNotification,

	CategoryAdsPersonalization: FamilyAdvertising,
	CategoryAdsTargeted:        FamilyAdvertising,
	CategoryDataSaleOptOut:     FamilyAdvertising,
	CategoryDataRetention:      FamilyAdvertising,

	CategoryComplianceCOPPA:   FamilyCompliance,
	CategoryComplianceAgeGate: FamilyCompliance,
	CategoryComplianceConsent: FamilyCompliance,
}

// ValidCategory reports whether c is a member of the catalog.
func ValidCategory(c RuleCategory) bool {
	_, ok := categoryFamilies[c]
	return ok
}

// CategoryFamily returns the family a category belongs to, or "" for unknown
// categories.
func CategoryFamily(c RuleCategory) Family {
	return categoryFamilies[c]
}

// AllCategories returns every catalog member. The slice is freshly allocated;
// callers may sort or mutate it.
func AllCategories() []RuleCategory {
	out := make([]RuleCategory, 0, len(categoryFamilies))
	for c := range categoryFamilies {
		out = append(out, c)
	}
	return out
}
