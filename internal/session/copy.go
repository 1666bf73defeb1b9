package session

import "strings"

// Onboarding texts.
var (
	// WelcomeVariants open a conversation after first contact or a reset.
	WelcomeVariants = []string{
		"Bonjour. Je suis Sophia.\n\nIci, c'est ta bulle. Pas de jugement, juste de l'écoute.\nOn commence par les présentations ? C'est quoi ton prénom ?",
		"Salut, moi c'est Sophia.\n\nIci tu peux tout déposer, sans filtre et sans jugement.\nPour commencer : comment tu t'appelles ?",
		"Coucou, je suis Sophia.\n\nCet espace est à toi, on avance à ton rythme.\nDis-moi d'abord, c'est quoi ton prénom ?",
	}

	// NameReprompt asks again when no first name could be read.
	NameReprompt = "Je n'ai pas bien saisi ton prénom. Tu peux me l'écrire simplement, par exemple « Léa » ?"

	// ChoiceReprompt asks again when the intake mode answer is unclear.
	ChoiceReprompt = "Dis-moi simplement : tu préfères que je te pose quelques questions, ou tu veux me raconter directement ?"

	// ListenText answers a short free-form choice.
	ListenText = "Je t'écoute. Prends ton temps, je suis là."

	// EmptyReprompt answers an empty or unusable message.
	EmptyReprompt = "Je n'ai rien reçu. Tu peux réécrire ton message ?"

	// TooLongReprompt answers a message over the length limit.
	TooLongReprompt = "Ton message est un peu long pour moi. Tu peux me le dire en plus court ?"

	// FallbackText is sent when a turn fails for any internal reason.
	FallbackText = "Je t'ai perdu une seconde... tu peux répéter ?"
)

// Persona selection replies. The verbs receive persona ids.
const (
	PersonaList     = "Tu peux choisir ma façon de te parler avec « /persona <nom> ». Choix possibles : %s."
	PersonaSelected = "C'est noté, je passe en mode « %s »."
	PersonaUnknown  = "Je ne connais pas le mode « %s ». Choix possibles : %s."
)

// Intake questions, indexed by step - 1.
var IntakeQuestions = [3]string{
	"Ok, on fait un scan rapide. Sur une échelle de batterie mentale, si 0 c'est 'Zombie complet' et 10 'Prêt à conquérir le monde', tu te situes où là tout de suite ? Et qu'est-ce qui consomme le plus ton énergie ?",
	"Je note le niveau d'énergie. Maintenant, regarde autour de toi : quand ça tangue, est-ce que tu as une 'main' à attraper (ami, famille, partenaire) ou est-ce que tu gères tout en mode loup solitaire ?",
	"Dernière chose pour que je puisse vraiment t'aider : si tu avais une baguette magique pour changer UN seul truc dans ta situation ce soir, ce serait quoi ?",
}

// IntakeReprompt precedes the repeated question after an empty answer.
const IntakeReprompt = "Prends le temps qu'il te faut, mais j'ai besoin d'un petit mot pour avancer. "

// GuidedStart prefixes the first intake question after the user picked guidance.
const GuidedStart = "C'est parti. "

// Safety texts.
var (
	// SafetyCheckText is sent on the first danger signal.
	SafetyCheckText = "Ce que tu me dis me touche beaucoup et je veux être sûre de bien comprendre. Est-ce que tu es en sécurité, là, maintenant ?"

	// EmergencyText points to emergency numbers.
	EmergencyText = "Je t'écoute et je sens que c'est très lourd. Mais je suis une IA, je ne peux pas intervenir physiquement. \n\nS'il te plaît, ne reste pas seul(e). Appelle le **3114** (Écoute Suicide 24/7) ou le **15**, ou le **112** si tu es à l'étranger. C'est important."

	// CheckInVariants keep the conversation warm once emergency numbers were given.
	CheckInVariants = []string{
		"Je suis toujours là. Est-ce que tu as pu appeler le 3114 ou quelqu'un de proche ?",
		"Je reste avec toi. Tu n'as pas à porter ça seul(e) : le 3114 répond jour et nuit. Tu peux les appeler maintenant ?",
		"Merci de continuer à m'écrire. Est-ce qu'une personne de confiance peut venir près de toi ce soir ?",
	}
)

// OperatorAuthAlert is sent to the operator when the model provider rejects the credentials.
const OperatorAuthAlert = "ALERTE OPÉRATEUR : le fournisseur du modèle refuse les identifiants (401/403). Les conversations reçoivent le message de secours tant que la clé n'est pas corrigée."

// nameAccepted greets a named user before the intake mode choice.
func nameAccepted(name string) string {
	return "Enchantée " + name + ". \n\nJe suis là pour t'écouter. Tu veux me raconter ce qui t'arrive directement, ou tu préfères que je te pose quelques questions pour t'aider à y voir plus clair ?"
}

// anonymousAccepted replaces nameAccepted when the fallback name is used.
const anonymousAccepted = "Ça marche, restons discrets. \n\nDis-moi : tu veux vider ton sac tout de suite, ou tu préfères que je te guide avec des questions ?"

// intakeOpening greets the user and asks the first intake question directly.
func intakeOpening(name string, anonymous bool) string {
	if anonymous {
		return "Ça marche, restons discrets. \n\n" + IntakeQuestions[0]
	}
	return "Enchantée " + name + ". \n\n" + IntakeQuestions[0]
}

// intakeDone closes the intake.
func intakeDone(name string) string {
	return "Merci " + name + ". C'est très clair. \n\nJe t'écoute, dis-moi ce qui t'amène aujourd'hui, on va regarder ça ensemble."
}

// intakeQuery is the pre-fetch query built from the intake answers.
func intakeQuery(emotional, support, need string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{emotional, support, need} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
