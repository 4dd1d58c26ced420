package domain

import (
	"golang.org/x/text/language"
)

const (
	LocaleES = "es"
	LocaleEN = "en"
)

var (
	supportedLocales = []language.Tag{language.Spanish, language.English}
	localeMatcher    = language.NewMatcher(supportedLocales)
)

// MatchLocale maps any Accept-Language style value onto es or en.
// Unrecognised input falls back to es.
func MatchLocale(raw string) string {
	if raw == "" {
		return LocaleES
	}
	_, idx := language.MatchStrings(localeMatcher, raw)
	if idx == 1 {
		return LocaleEN
	}
	return LocaleES
}

var userMessages = map[string]map[string]string{
	"ValidationFailed": {
		LocaleES: "Datos de entrada inválidos. Revisa el formulario.",
		LocaleEN: "Invalid request data. Please review the form.",
	},
	"AuthenticationRequired": {
		LocaleES: "Debes iniciar sesión para continuar.",
		LocaleEN: "You must sign in to continue.",
	},
	"CaptionGenerationFailed": {
		LocaleES: "Error en el procesamiento de IA. Por favor, intenta de nuevo.",
		LocaleEN: "AI processing failed. Please try again.",
	},
	"UploadFailed": {
		LocaleES: "Error al subir las imágenes. Por favor, intenta de nuevo.",
		LocaleEN: "Uploading your photos failed. Please try again.",
	},
	"ModelCreationFailed": {
		LocaleES: "Error al crear el modelo. Por favor, intenta de nuevo.",
		LocaleEN: "Creating the model failed. Please try again.",
	},
	"TrainingStartFailed": {
		LocaleES: "Error al iniciar el entrenamiento. Por favor, intenta de nuevo.",
		LocaleEN: "Starting the training failed. Please try again.",
	},
	"PersistenceInsertFailed": {
		LocaleES: "El entrenamiento comenzó pero no pudimos guardarlo. Contacta a soporte.",
		LocaleEN: "Training started but could not be saved. Please contact support.",
	},
	"DuplicateOperation": {
		LocaleES: "Esta solicitud ya está en proceso.",
		LocaleEN: "This request is already being processed.",
	},
	"Canceled": {
		LocaleES: "El proceso fue cancelado.",
		LocaleEN: "The process was canceled.",
	},
	"NotFound": {
		LocaleES: "No encontrado.",
		LocaleEN: "Not found.",
	},
}

var genericMessage = map[string]string{
	LocaleES: "Ha ocurrido un error. Por favor, intenta de nuevo.",
	LocaleEN: "Something went wrong. Please try again.",
}

// UserMessage returns the text shown to the user for err in locale.
func UserMessage(err error, locale string) string {
	if err == nil {
		return ""
	}
	locale = MatchLocale(locale)
	if msgs, ok := userMessages[ErrorKind(err)]; ok {
		return msgs[locale]
	}
	return genericMessage[locale]
}
